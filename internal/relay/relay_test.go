package relay

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDeepLink(t *testing.T) {
	link := DeepLink("+6287744100119", "bob", "Ana")
	require.True(t, strings.HasPrefix(link, "https://wa.me/6287744100119?text="), link)

	u, err := url.Parse(link)
	require.NoError(t, err)
	text := u.Query().Get("text")
	assert.Contains(t, text, "*bob*")
	assert.Contains(t, text, "*Ana*")

	assert.Empty(t, DeepLink("", "bob", "Ana"))
}

type fakeSES struct {
	inputs []*sesv2.SendEmailInput
	err    error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("m-1")}, nil
}

func TestSESOperatorDeliver(t *testing.T) {
	fake := &fakeSES{}
	op := newSESOperator(fake, "noreply@guardian.test", "Guardian", "ops@guardian.test", zap.NewNop())

	err := op.Deliver(context.Background(), Request{Username: "bob", ChildName: "Ana", Code: "123456"})
	require.NoError(t, err)
	require.Len(t, fake.inputs, 1)

	in := fake.inputs[0]
	assert.Equal(t, "Guardian <noreply@guardian.test>", *in.FromEmailAddress)
	assert.Equal(t, []string{"ops@guardian.test"}, in.Destination.ToAddresses)
	assert.Contains(t, *in.Content.Simple.Body.Text.Data, "123456")
	assert.Contains(t, *in.Content.Simple.Subject.Data, "bob")
}

func TestSESOperatorDeliverError(t *testing.T) {
	fake := &fakeSES{err: errors.New("throttled")}
	op := newSESOperator(fake, "noreply@guardian.test", "", "ops@guardian.test", zap.NewNop())

	err := op.Deliver(context.Background(), Request{Username: "bob", Code: "1"})
	assert.ErrorContains(t, err, "throttled")
	assert.Equal(t, "noreply@guardian.test", *fake.inputs[0].FromEmailAddress)
}

func TestNewSESOperatorValidatesAddresses(t *testing.T) {
	_, err := NewSESOperator(context.Background(), "us-east-1", "not-an-email", "", "ops@guardian.test", nil)
	assert.Error(t, err)
}

func TestLogOperator(t *testing.T) {
	assert.NoError(t, NewLogOperator(nil).Deliver(context.Background(), Request{Username: "bob"}))
}
