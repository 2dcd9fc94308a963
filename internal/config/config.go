package config

type Config interface {
	EnvConfig
	OAuthConfig
	TransportConfig
	StoreConfig
}

type EnvConfig interface {
	GetAppName() string
	GetDataFolder() string
	GetLogLevel() string
	GetEnv() string
}

type mainConfig struct {
	EnvVars
	OAuth
	Transport
	Store
}

func New() Config {
	return mainConfig{}
}
