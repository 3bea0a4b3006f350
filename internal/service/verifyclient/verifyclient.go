package verifyclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// JSON запрос на проверку ключа провайдера
type VerifyRequest struct {
	Provider    string `json:"provider"`
	ModelFamily string `json:"model_family"`
	Credential  string `json:"credential"`
	Endpoint    string `json:"endpoint,omitempty"`
}

// JSON ответ сервиса проверки
type VerifyAnswer struct {
	Status         string  `json:"status"`
	EstimatedQuota float64 `json:"estimated_quota,omitempty"`
	Message        string  `json:"message,omitempty"`
}

const (
	StatusValid          = "valid"
	StatusInvalid        = "invalid"
	StatusQuotaExhausted = "quota_exhausted"
	StatusRateLimited    = "rate_limited"
	StatusNetworkError   = "network_error"
	StatusUnknownError   = "unknown_error"
)

// Final reports whether the answer settles the deposit one way or the other.
func (a VerifyAnswer) Final() bool {
	switch a.Status {
	case StatusValid, StatusInvalid, StatusQuotaExhausted:
		return true
	}
	return false
}

type VerifyClient interface {
	Verify(req VerifyRequest) (VerifyAnswer, error)
}

type verifyClient struct {
	client      *resty.Client
	serviceAddr string
}

func NewVerifyClient(serviceAddr string) VerifyClient {
	client := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return verifyClient{client: client, serviceAddr: serviceAddr}
}

func (client verifyClient) Verify(req VerifyRequest) (VerifyAnswer, error) {
	path := "/api/verify"

	setreq := client.client.R()
	setreq.Method = http.MethodPost
	setreq.URL = client.serviceAddr + path
	setreq.SetHeader("Content-Type", "application/json")
	setreq.SetBody(req)
	setresp, err := setreq.Send()
	if err != nil {
		return VerifyAnswer{}, err
	}

	switch setresp.StatusCode() {
	case http.StatusOK:
		var answer VerifyAnswer
		err = json.Unmarshal(setresp.Body(), &answer)
		return answer, err
	default:
		return VerifyAnswer{}, fmt.Errorf("verify request status: %d", setresp.StatusCode())
	}
}

type nopClient struct{}

// NewNopClient accepts every credential; used when no verification
// service is configured.
func NewNopClient() VerifyClient { return nopClient{} }

func (nopClient) Verify(VerifyRequest) (VerifyAnswer, error) {
	return VerifyAnswer{Status: StatusValid}, nil
}
