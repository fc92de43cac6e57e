package minio

import "time"

const (
	// DefaultPartSize is the multipart chunk size used when the object size
	// is not known up front.
	DefaultPartSize = 16 << 20

	DefaultValidationTimeout = 30 * time.Second
)

// Config defines the object storage that exports are written to.
type Config struct {
	Connection Connection `yaml:"connection"`

	// PartSize is the multipart upload part size for streamed objects.
	// Default: 16 MiB
	PartSize uint64 `yaml:"part_size" envconfig:"MINIO_PART_SIZE"`
}

// Connection holds the endpoint, credentials and bucket.
type Connection struct {
	// Endpoint is host[:port] without scheme.
	Endpoint string `yaml:"endpoint" envconfig:"MINIO_ENDPOINT"`

	AccessKeyID     string `yaml:"access_key_id" envconfig:"MINIO_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" envconfig:"MINIO_SECRET_ACCESS_KEY"`

	UseSSL bool   `yaml:"use_ssl" envconfig:"MINIO_USE_SSL"`
	Region string `yaml:"region" envconfig:"MINIO_REGION"`

	// BucketName is the bucket holding exported views.
	BucketName string `yaml:"bucket_name" envconfig:"MINIO_BUCKET_NAME"`

	// AccessBucketCreation creates the bucket on startup when missing.
	AccessBucketCreation bool `yaml:"access_bucket_creation" envconfig:"MINIO_ACCESS_BUCKET_CREATION"`
}

func (c Config) withDefaults() Config {
	if c.PartSize == 0 {
		c.PartSize = DefaultPartSize
	}
	return c
}
