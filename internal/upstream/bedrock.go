package upstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog/log"
)

const (
	bedrockRuntimeService = "bedrock"
	bedrockHostPattern    = "https://bedrock-runtime.%s.amazonaws.com"
)

// BedrockBaseURL returns the Bedrock Runtime endpoint for region.
func BedrockBaseURL(region string) string {
	return fmt.Sprintf(bedrockHostPattern, region)
}

// BedrockSigner signs Bedrock Runtime requests with AWS SigV4.
type BedrockSigner struct {
	credentials aws.CredentialsProvider
	region      string
	signer      *v4.Signer
	now         func() time.Time
}

// NewBedrockSigner returns a signer for region. With a nil provider the
// standard AWS credential chain (environment, shared files, IAM roles) is
// loaded; credentials are checked once up front.
func NewBedrockSigner(ctx context.Context, region string, creds aws.CredentialsProvider) (*BedrockSigner, error) {
	if region == "" {
		return nil, fmt.Errorf("bedrock signer requires a region")
	}
	if creds == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		creds = cfg.Credentials
	}

	got, err := creds.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}
	if got.AccessKeyID == "" || got.SecretAccessKey == "" {
		return nil, fmt.Errorf("AWS credentials are empty")
	}

	log.Info().
		Str("region", region).
		Str("access_key_prefix", got.AccessKeyID[:min(4, len(got.AccessKeyID))]+"...").
		Msg("bedrock signer initialized")

	return &BedrockSigner{
		credentials: aws.NewCredentialsCache(creds),
		region:      region,
		signer:      v4.NewSigner(),
		now:         time.Now,
	}, nil
}

// Region returns the configured AWS region.
func (bs *BedrockSigner) Region() string { return bs.region }

// Sign adds SigV4 headers to req. The URL, host and every header to be
// signed must already be final; body is the exact payload that will be sent.
func (bs *BedrockSigner) Sign(ctx context.Context, req *http.Request, body []byte) error {
	creds, err := bs.credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}

	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])

	if err := bs.signer.SignHTTP(ctx, creds, req, payloadHash, bedrockRuntimeService, bs.region, bs.now()); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}
