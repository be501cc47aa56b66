package tools

import (
	"encoding/base64"
	"fmt"
	"time"
)

// SamplesDuration is how long samples last; samples counts every channel's
// sample.
func SamplesDuration(samples, rate, channels int) time.Duration {
	if rate <= 0 || channels <= 0 || samples <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(rate*channels)
}

// PayloadDuration reports how much audio a base64 payload holds.
func PayloadDuration(payload string, rate, channels, bytesPerSample int) (time.Duration, error) {
	if payload == "" {
		return 0, nil
	}
	if bytesPerSample <= 0 {
		return 0, fmt.Errorf("invalid bytes per sample: %d", bytesPerSample)
	}
	n, err := decodedLen(payload)
	if err != nil {
		return 0, err
	}
	return SamplesDuration(n/bytesPerSample, rate, channels), nil
}

func decodedLen(payload string) (int, error) {
	buf, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return 0, fmt.Errorf("decoding base64 audio: %w", err)
	}
	return len(buf), nil
}
