package lead

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioAPI is the slice of the Twilio REST client used here.
type TwilioAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioNotifier texts leads to an operator over SMS, or WhatsApp when the
// sender number carries the "whatsapp:" prefix.
type TwilioNotifier struct {
	api  TwilioAPI
	from string
	to   string
}

func NewTwilioNotifier(accountSID, authToken, from, to string) (*TwilioNotifier, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("twilio account SID and auth token must be provided")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return NewTwilioNotifierWithAPI(client.Api, from, to)
}

func NewTwilioNotifierWithAPI(api TwilioAPI, from, to string) (*TwilioNotifier, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from == "" || to == "" {
		return nil, errors.New("twilio from and to numbers must be provided")
	}
	if IsWhatsApp(from) && !IsWhatsApp(to) {
		to = "whatsapp:" + to
	}
	return &TwilioNotifier{api: api, from: from, to: to}, nil
}

func IsWhatsApp(number string) bool {
	return strings.HasPrefix(number, "whatsapp:")
}

func (t *TwilioNotifier) Name() string {
	if IsWhatsApp(t.from) {
		return "twilio-whatsapp"
	}
	return "twilio-sms"
}

func (t *TwilioNotifier) Notify(ctx context.Context, l Lead) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(t.to)
	params.SetFrom(t.from)
	params.SetBody(FormatText(l))

	errCh := make(chan error, 1)
	go func() {
		_, err := t.api.CreateMessage(params)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("send to %s: %w", t.to, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
