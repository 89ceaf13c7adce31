// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"genstream/shared/logger"
)

// Secret reference prefixes.
const (
	EnvRefPrefix       = "env:"
	AWSSecretRefPrefix = "aws-secret:"
)

// SecretsClient is the subset of the Secrets Manager client the resolver uses.
type SecretsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewAWSSecretsClient loads the default AWS configuration for region.
func NewAWSSecretsClient(ctx context.Context, region string) (SecretsClient, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// Resolver turns secret references into values. The Secrets Manager client
// is created on first use.
type Resolver struct {
	newClient func(ctx context.Context) (SecretsClient, error)
	ttl       time.Duration
	log       *logger.Logger
	now       func() time.Time

	mu     sync.Mutex
	client SecretsClient
	cache  map[string]secretCacheEntry
}

type secretCacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// NewResolver creates a resolver using AWS Secrets Manager in the configured
// region.
func NewResolver(cfg SecretsConfig, log *logger.Logger) *Resolver {
	return NewResolverWithClient(func(ctx context.Context) (SecretsClient, error) {
		return NewAWSSecretsClient(ctx, cfg.AWSRegion)
	}, time.Duration(cfg.CacheTTLSeconds)*time.Second, log)
}

// NewResolverWithClient creates a resolver with a custom client factory.
func NewResolverWithClient(newClient func(ctx context.Context) (SecretsClient, error), ttl time.Duration, log *logger.Logger) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Resolver{
		newClient: newClient,
		ttl:       ttl,
		log:       log,
		now:       time.Now,
		cache:     make(map[string]secretCacheEntry),
	}
}

// IsSecretRef reports whether v is a secret reference.
func IsSecretRef(v string) bool {
	return strings.HasPrefix(v, EnvRefPrefix) || strings.HasPrefix(v, AWSSecretRefPrefix)
}

// Resolve returns the value for ref. Plain values are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, EnvRefPrefix):
		name := strings.TrimPrefix(ref, EnvRefPrefix)
		v := os.Getenv(name)
		if v == "" {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return v, nil

	case strings.HasPrefix(ref, AWSSecretRefPrefix):
		arn, field, _ := strings.Cut(strings.TrimPrefix(ref, AWSSecretRefPrefix), "#")
		if arn == "" {
			return "", fmt.Errorf("secret reference %q has no ARN", ref)
		}
		values, err := r.getSecret(ctx, arn)
		if err != nil {
			return "", err
		}
		return pickField(values, field, arn)

	default:
		return ref, nil
	}
}

func pickField(values map[string]string, field, arn string) (string, error) {
	if field != "" {
		v, ok := values[field]
		if !ok {
			return "", fmt.Errorf("secret %s has no field %q", maskARN(arn), field)
		}
		return v, nil
	}
	if v, ok := values["value"]; ok {
		return v, nil
	}
	if len(values) == 1 {
		for _, v := range values {
			return v, nil
		}
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "", fmt.Errorf("secret %s has several fields (%s); name one with #field", maskARN(arn), strings.Join(keys, ", "))
}

func (r *Resolver) getSecret(ctx context.Context, arn string) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.cache[arn]; ok && r.now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	if r.client == nil {
		client, err := r.newClient(ctx)
		if err != nil {
			return nil, err
		}
		r.client = client
	}

	r.log.Debug("", "", "Fetching secret from AWS Secrets Manager", map[string]interface{}{"secret": maskARN(arn)})

	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(arn)})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", maskARN(arn), err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", maskARN(arn))
	}

	var values map[string]string
	if err := json.Unmarshal([]byte(*out.SecretString), &values); err != nil {
		// A bare string secret, typically a single API key.
		values = map[string]string{"value": *out.SecretString}
	}

	r.cache[arn] = secretCacheEntry{value: values, expiresAt: r.now().Add(r.ttl)}
	return values, nil
}

// Invalidate drops every cached secret.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]secretCacheEntry)
	r.mu.Unlock()
}

// ResolveSecrets replaces every secret reference in c with its value.
func (c *Config) ResolveSecrets(ctx context.Context, r *Resolver) error {
	resolve := func(where string, v *string) error {
		if !IsSecretRef(*v) {
			return nil
		}
		out, err := r.Resolve(ctx, *v)
		if err != nil {
			return fmt.Errorf("%s: %w", where, err)
		}
		*v = out
		return nil
	}

	if err := resolve("lock.redis_url", &c.Lock.RedisURL); err != nil {
		return err
	}
	if err := resolve("usage.database_url", &c.Usage.DatabaseURL); err != nil {
		return err
	}

	names := make([]string, 0, len(c.Adapters))
	for name := range c.Adapters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		a := c.Adapters[name]
		for field, v := range map[string]*string{
			"url":               &a.URL,
			"api_key":           &a.APIKey,
			"access_key_id":     &a.AccessKeyID,
			"secret_access_key": &a.SecretAccessKey,
		} {
			if err := resolve("adapters."+name+"."+field, v); err != nil {
				return err
			}
		}
		c.Adapters[name] = a
	}
	return nil
}

// maskARN masks the secret ARN for logging (shows only last 8 characters)
func maskARN(arn string) string {
	if len(arn) <= 12 {
		return "***"
	}
	return "..." + arn[len(arn)-8:]
}
