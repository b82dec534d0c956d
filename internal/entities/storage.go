package entities

import "strings"

// StorageConfig is the object-store capability read from settings. It is
// fetched per job or request so rotated credentials apply without a restart.
type StorageConfig struct {
	Region      string `json:"region"`
	Endpoint    string `json:"endpoint"`
	AccessKeyID string `json:"access_key_id"`
	SecretKey   string `json:"secret_key"`
	Bucket      string `json:"bucket"`
	URLPrefix   string `json:"url_prefix"`
}

func (c StorageConfig) Validate() error {
	var missing []string
	if c.Endpoint == "" {
		missing = append(missing, "endpoint")
	}
	if c.AccessKeyID == "" {
		missing = append(missing, "access_key_id")
	}
	if c.SecretKey == "" {
		missing = append(missing, "secret_key")
	}
	if c.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if len(missing) > 0 {
		return Validationf("storage config: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// URL joins the public prefix and a key.
func (c StorageConfig) URL(key string) string {
	return strings.TrimRight(c.URLPrefix, "/") + "/" + key
}
