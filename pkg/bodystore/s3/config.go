// Package s3 stores job bodies in AWS S3 or S3-compatible object storage.
package s3

import "strings"

// Config configures an S3 body store.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set. For S3-compatible stores (MinIO, Wasabi)
// set Endpoint and usually ForcePathStyle.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string `mapstructure:"bucket"`

	// Prefix is prepended to every body key, e.g. "jobtrail/".
	Prefix string `mapstructure:"prefix"`

	// Region defaults to us-east-1 for AWS when not resolved from the
	// environment or profile. No default applies when Endpoint is set.
	Region string `mapstructure:"region"`

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string `mapstructure:"endpoint"`

	// Profile is the shared config profile to use.
	Profile string `mapstructure:"profile"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// ForcePathStyle puts the bucket in the URL path instead of the host.
	ForcePathStyle bool `mapstructure:"force_path_style"`
}

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	if strings.HasPrefix(c.Prefix, "/") {
		return &ConfigError{Field: "Prefix", Message: "prefix must not start with /"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 body store config: " + e.Field + ": " + e.Message
}

// objectKey joins the configured prefix and a body key.
func (c *Config) objectKey(key string) string {
	if c.Prefix == "" {
		return key
	}
	return strings.TrimSuffix(c.Prefix, "/") + "/" + key
}

// resolveRegion applies the AWS fallback region once the SDK has resolved
// explicit, environment and profile settings into sdkRegion.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
