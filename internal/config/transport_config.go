package config

import "time"

type TransportConfig interface {
	GetSendTimeout() time.Duration
	GetRefreshTimeout() time.Duration
}

type Transport struct{}

var _ TransportConfig = Transport{}

// GetSendTimeout bounds every individual request, including re-issued ones.
func (Transport) GetSendTimeout() time.Duration {
	return durationEnv("SEND_TIMEOUT", 30*time.Second)
}

// GetRefreshTimeout bounds the refresh call; a timeout counts as a failed refresh.
func (Transport) GetRefreshTimeout() time.Duration {
	return durationEnv("REFRESH_TIMEOUT", 15*time.Second)
}

func durationEnv(envVar string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(GetEnv(envVar, ""))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}
