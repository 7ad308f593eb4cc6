package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/openfroyo/glueflow/pkg/engine"
	"github.com/openfroyo/glueflow/pkg/telemetry"
)

const serviceSTS = "sts"

// AccountResolver resolves the account the credentials belong to.
type AccountResolver struct {
	sts stsClient
}

// NewAccountResolver creates a resolver over an STS client.
func NewAccountResolver(client stsClient) *AccountResolver {
	return &AccountResolver{sts: client}
}

// Resolve returns the twelve digit account id of the caller.
func (r *AccountResolver) Resolve(ctx context.Context) (string, error) {
	var account string
	err := telemetry.RecordAWSCall(ctx, serviceSTS, "GetCallerIdentity", func(ctx context.Context) error {
		out, err := r.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return classify(err, serviceSTS, "GetCallerIdentity")
		}
		account = aws.ToString(out.Account)
		return nil
	})
	if err != nil {
		return "", err
	}
	if account == "" {
		return "", engine.NewPermanentError("caller identity has no account", nil).
			WithCode(engine.ErrCodeProviderFailed)
	}
	return account, nil
}
