package bucket

import (
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testValidator() *Validator {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewValidator(logger)
}

func TestCheckName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"my-app-data", true},
		{"app.data.prod", true},
		{"abc", true},
		{"a1b2c3", true},
		{"ab", false},                    // too short
		{"MyBucket", false},              // uppercase
		{"bucket_name", false},           // underscore
		{"-leading-hyphen", false},       // bad first char
		{"trailing-hyphen-", false},      // bad last char
		{"double..dot", false},           // adjacent periods
		{"dot.-hyphen", false},           // period-hyphen
		{"hyphen-.dot", false},           // hyphen-period
		{"192.168.1.1", false},           // IP address form
		{strings.Repeat("a", 64), false}, // too long
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, message := CheckName(tt.name)
			assert.Equal(t, tt.valid, ok)
			if !tt.valid {
				assert.NotEmpty(t, message)
			}
		})
	}
}

func TestValidateRejectsBadNameWithoutRemoteCall(t *testing.T) {
	v := testValidator()
	v.resolveRegion = func(ctx context.Context, cfg aws.Config, name string) (string, error) {
		t.Fatal("resolveRegion must not be called for a syntactically invalid name")
		return "", nil
	}
	v.headBucket = func(ctx context.Context, cfg aws.Config, region, name string) error {
		t.Fatal("headBucket must not be called for a syntactically invalid name")
		return nil
	}

	result := v.Validate(context.Background(), "Bad_Bucket", "us-east-1", nil)
	assert.False(t, result.Valid)
	assert.Equal(t, CategoryNameFormat, result.Category)
	assert.NotEmpty(t, result.Message)
}

func TestValidateResolvedRegionIsAuthoritative(t *testing.T) {
	v := testValidator()
	v.resolveRegion = func(ctx context.Context, cfg aws.Config, name string) (string, error) {
		return "eu-west-1", nil
	}
	var headRegion string
	v.headBucket = func(ctx context.Context, cfg aws.Config, region, name string) error {
		headRegion = region
		return nil
	}

	// The caller asked for us-west-2; the bucket actually lives in eu-west-1.
	result := v.Validate(context.Background(), "app-data", "us-west-2", nil)
	assert.True(t, result.Valid)
	assert.Equal(t, "eu-west-1", result.ResolvedRegion)
	assert.Equal(t, "eu-west-1", headRegion)
}

func TestValidateEmptyResolvedRegionFallsBack(t *testing.T) {
	v := testValidator()
	v.resolveRegion = func(ctx context.Context, cfg aws.Config, name string) (string, error) {
		return "", nil
	}
	v.headBucket = func(ctx context.Context, cfg aws.Config, region, name string) error {
		return nil
	}

	result := v.Validate(context.Background(), "app-data", "", nil)
	assert.True(t, result.Valid)
	assert.Equal(t, "us-east-1", result.ResolvedRegion)
}

func TestValidateClassification(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		category Category
	}{
		{"head 404", "NotFound", CategoryNotFound},
		{"no such bucket", "NoSuchBucket", CategoryNotFound},
		{"access denied", "AccessDenied", CategoryAccessDenied},
		{"forbidden", "Forbidden", CategoryAccessDenied},
		{"bad access key", "InvalidAccessKeyId", CategoryInvalidCredentials},
		{"bad signature", "SignatureDoesNotMatch", CategoryInvalidCredentials},
		{"expired token", "ExpiredToken", CategoryInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := testValidator()
			v.resolveRegion = func(ctx context.Context, cfg aws.Config, name string) (string, error) {
				return "us-east-1", nil
			}
			v.headBucket = func(ctx context.Context, cfg aws.Config, region, name string) error {
				return &smithy.GenericAPIError{Code: tt.code, Message: tt.code}
			}

			result := v.Validate(context.Background(), "app-data", "us-east-1", nil)
			assert.False(t, result.Valid)
			assert.Equal(t, tt.category, result.Category)
			assert.NotEmpty(t, result.Message)
		})
	}
}

func TestValidateRegionResolutionFailure(t *testing.T) {
	v := testValidator()
	v.resolveRegion = func(ctx context.Context, cfg aws.Config, name string) (string, error) {
		return "", &smithy.GenericAPIError{Code: "NoSuchBucket", Message: "no such bucket"}
	}

	result := v.Validate(context.Background(), "missing-bucket", "us-east-1", nil)
	assert.False(t, result.Valid)
	assert.Equal(t, CategoryNotFound, result.Category)
}
