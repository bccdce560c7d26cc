// Package platform wraps the managed ML platform the runtime deploys onto:
// object storage, training/compilation/endpoint jobs and remote invocation.
package platform

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
)

// ErrInvalidURI is returned for object URIs that are not s3://bucket/key.
var ErrInvalidURI = errors.New("invalid object storage uri")

// Config names the account resources every call uses. It is passed
// explicitly; there is no package-level session.
type Config struct {
	Region  string
	Bucket  string
	Prefix  string
	RoleARN string
	Profile string
}

// NewSession builds an AWS session for cfg, honoring the shared config files.
func NewSession(cfg Config) (*session.Session, error) {
	awsCfg := aws.Config{}
	if cfg.Region != "" {
		awsCfg.Region = aws.String(cfg.Region)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            awsCfg,
		Profile:           cfg.Profile,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// ObjectURI formats an s3:// URI.
func ObjectURI(bucket string, key string) string {
	return "s3://" + bucket + "/" + strings.TrimPrefix(key, "/")
}

// ParseURI splits s3://bucket/key. The key may be empty or a prefix.
func ParseURI(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, raw)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// key joins the configured prefix with name.
func (c Config) key(name string) string {
	return strings.TrimPrefix(path.Join(c.Prefix, name), "/")
}
