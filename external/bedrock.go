// SigV4 signing transport for Bedrock summarization calls.
//
// Bedrock has no API-key auth; requests must be signed with AWS credentials
// resolved from the default chain (env, shared config, IMDS).
package external

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// BedrockSigningTransport signs outgoing requests with SigV4 for the
// bedrock service before delegating to the base transport.
type BedrockSigningTransport struct {
	region string
	creds  aws.CredentialsProvider
	signer *v4.Signer
	base   http.RoundTripper
}

// NewBedrockSigningTransport resolves AWS credentials and returns a signing
// transport. base may be nil to use http.DefaultTransport.
func NewBedrockSigningTransport(region string, base http.RoundTripper) (*BedrockSigningTransport, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	if base == nil {
		base = http.DefaultTransport
	}
	return &BedrockSigningTransport{
		region: region,
		creds:  cfg.Credentials,
		signer: v4.NewSigner(),
		base:   base,
	}, nil
}

// RoundTrip signs the request and forwards it.
func (t *BedrockSigningTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body := []byte{}
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body for signing: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])

	creds, err := t.creds.Retrieve(req.Context())
	if err != nil {
		return nil, fmt.Errorf("retrieve AWS credentials: %w", err)
	}

	if err := t.signer.SignHTTP(req.Context(), creds, req, payloadHash, "bedrock", t.region, time.Now()); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	return t.base.RoundTrip(req)
}
