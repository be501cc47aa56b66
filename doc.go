// Package realtime bridges a telephony or browser media socket to a
// realtime speech model.
//
// A Hub holds the collaborators shared by all calls (agent routing,
// conversation storage, dialog hooks). Each accepted socket becomes a
// Session whose loop owns the per-call SessionState: inbound frames and
// callbacks fired by the ModelConnection are executed one at a time by the
// same goroutine, so no lock guards the state. Model turn detection stays
// off behind a TurnGate until the greeting had time to play, and function
// calls emitted by the model are handled by a FunctionDispatcher that can
// hand the call over to another agent mid-session.
//
// Client implements ModelConnection over the OpenAI Realtime WebSocket API.
// TwilioCodec and NativeCodec translate the user socket's wire format.
package realtime
