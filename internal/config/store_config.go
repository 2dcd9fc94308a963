package config

import "path/filepath"

type StoreConfig interface {
	GetStoreFolder() string
	GetStoreEncryptionKey() string
}

type Store struct{}

var _ StoreConfig = Store{}

func (Store) GetStoreFolder() string {
	return GetEnv("STORE_FOLDER", filepath.Join(EnvVars{}.GetDataFolder(), "session"))
}

// GetStoreEncryptionKey returns a hex encoded 32 byte key, or "" for plaintext storage.
func (Store) GetStoreEncryptionKey() string {
	return GetEnv("STORE_ENCRYPTION_KEY", "")
}
