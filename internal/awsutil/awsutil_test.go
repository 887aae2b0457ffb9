package awsutil

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
)

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "throttled", err: &smithy.GenericAPIError{Code: "ThrottlingException"}, want: true},
		{name: "wrapped throughput", err: fmt.Errorf("put: %w", &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException"}), want: true},
		{name: "validation", err: &smithy.GenericAPIError{Code: "ValidationException"}, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetriable(tt.err); got != tt.want {
				t.Fatalf("IsRetriable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
