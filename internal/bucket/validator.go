package bucket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/ao/workbench/pkg/api"
)

// Category classifies why a bucket failed validation, so client UIs can
// explain the specific problem.
type Category string

const (
	// CategoryNameFormat indicates the bucket name failed the syntax rules
	CategoryNameFormat Category = "name-format"
	// CategoryNotFound indicates the bucket does not exist
	CategoryNotFound Category = "not-found"
	// CategoryAccessDenied indicates the credentials lack access
	CategoryAccessDenied Category = "access-denied"
	// CategoryInvalidCredentials indicates the credentials are not valid
	CategoryInvalidCredentials Category = "invalid-credentials"
)

// Result is the outcome of a bucket validation.
type Result struct {
	Valid bool
	// ResolvedRegion is the authoritative bucket region, which may differ
	// from the requested one. Callers persist and use this value.
	ResolvedRegion string
	Category       Category
	Message        string
}

// Validator verifies that a named storage bucket exists, is reachable, and
// sits in a resolvable region with the given credentials. Validation is a
// hard precondition: no container is created without passing it.
type Validator struct {
	logger *logrus.Logger

	// resolveRegion and headBucket are replaced in tests.
	resolveRegion func(ctx context.Context, cfg aws.Config, name string) (string, error)
	headBucket    func(ctx context.Context, cfg aws.Config, region, name string) error
}

// NewValidator creates a bucket validator.
func NewValidator(logger *logrus.Logger) *Validator {
	return &Validator{
		logger: logger,
		resolveRegion: func(ctx context.Context, cfg aws.Config, name string) (string, error) {
			client := s3.NewFromConfig(cfg)
			return manager.GetBucketRegion(ctx, client, name)
		},
		headBucket: func(ctx context.Context, cfg aws.Config, region, name string) error {
			client := s3.NewFromConfig(cfg, func(o *s3.Options) {
				o.Region = region
			})
			_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
			return err
		},
	}
}

// defaultRegion anchors the initial region-discovery request.
const defaultRegion = "us-east-1"

// bucketNamePattern covers the general S3 naming rules; the edge cases that
// the pattern cannot express are checked separately.
var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// CheckName validates bucket-name syntax locally. It returns a
// format-specific message and never makes a remote call.
func CheckName(name string) (bool, string) {
	if len(name) < 3 || len(name) > 63 {
		return false, fmt.Sprintf("bucket name must be between 3 and 63 characters, got %d", len(name))
	}
	if !bucketNamePattern.MatchString(name) {
		return false, "bucket name may only contain lowercase letters, digits, dots, and hyphens, and must start and end with a letter or digit"
	}
	if strings.Contains(name, "..") || strings.Contains(name, ".-") || strings.Contains(name, "-.") {
		return false, "bucket name must not contain adjacent periods or period-hyphen sequences"
	}
	if net.ParseIP(name) != nil {
		return false, "bucket name must not be formatted as an IP address"
	}
	return true, ""
}

// Validate checks the bucket name syntax, then verifies existence and
// permissions remotely, resolving the bucket's actual region. The requested
// region only seeds discovery; the resolved region is authoritative.
func (v *Validator) Validate(ctx context.Context, name, region string, creds *api.Credentials) Result {
	if ok, message := CheckName(name); !ok {
		return Result{Valid: false, Category: CategoryNameFormat, Message: message}
	}

	if region == "" {
		region = defaultRegion
	}

	cfg, err := v.awsConfig(ctx, region, creds)
	if err != nil {
		return Result{
			Valid:    false,
			Category: CategoryInvalidCredentials,
			Message:  fmt.Sprintf("failed to build storage credentials: %v", err),
		}
	}

	resolved, err := v.resolveRegion(ctx, cfg, name)
	if err != nil {
		return v.classify(name, err)
	}
	if resolved == "" {
		// S3 reports the legacy default region as an empty string.
		resolved = defaultRegion
	}

	if err := v.headBucket(ctx, cfg, resolved, name); err != nil {
		return v.classify(name, err)
	}

	v.logger.WithFields(logrus.Fields{
		"bucket": name,
		"region": resolved,
	}).Info("Bucket validated")
	return Result{Valid: true, ResolvedRegion: resolved}
}

func (v *Validator) awsConfig(ctx context.Context, region string, creds *api.Credentials) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if creds != nil {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
			),
		))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// classify maps storage API failures onto validation categories using typed
// errors rather than message matching.
func (v *Validator) classify(name string, err error) Result {
	var notFound manager.BucketNotFound
	if errors.As(err, &notFound) {
		return Result{
			Valid:    false,
			Category: CategoryNotFound,
			Message:  fmt.Sprintf("bucket %q does not exist", name),
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchBucket":
			return Result{
				Valid:    false,
				Category: CategoryNotFound,
				Message:  fmt.Sprintf("bucket %q does not exist", name),
			}
		case "AccessDenied", "Forbidden":
			return Result{
				Valid:    false,
				Category: CategoryAccessDenied,
				Message:  fmt.Sprintf("access to bucket %q is denied with the provided credentials", name),
			}
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return Result{
				Valid:    false,
				Category: CategoryInvalidCredentials,
				Message:  "the provided storage credentials are not valid",
			}
		}
	}

	v.logger.WithError(err).WithField("bucket", name).Warn("Bucket validation failed")
	return Result{
		Valid:    false,
		Category: CategoryNotFound,
		Message:  fmt.Sprintf("bucket %q could not be verified: %v", name, err),
	}
}
