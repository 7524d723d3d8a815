package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/arko-chat/keytrust/internal/crypto"
	"github.com/arko-chat/keytrust/internal/models"
)

// UIARequiredError is returned when the server asked for interactive auth
// that could not be completed.
type UIARequiredError struct {
	Session string
	ErrCode string
	Stages  [][]string
}

func (e *UIARequiredError) Error() string {
	return fmt.Sprintf("interactive auth required (session %s): %s", e.Session, e.ErrCode)
}

type crossSigningUploadReq struct {
	models.CrossSigningUpload
	Auth any `json:"auth,omitempty"`
}

// UploadCrossSigningKeys posts the keys and, when the server answers with
// an interactive auth session, retries once with the dict auth builds.
func (r *Repository) UploadCrossSigningKeys(ctx context.Context, keys models.CrossSigningUpload, auth crypto.AuthCallback) error {
	url := r.client.BuildClientURL("v3", "keys", "device_signing", "upload")

	err := r.crossSigningUploadRaw(ctx, url, crossSigningUploadReq{CrossSigningUpload: keys})
	var uia *UIARequiredError
	if !errors.As(err, &uia) {
		if err != nil {
			return fmt.Errorf("initial upload: %w", err)
		}
		return nil
	}
	if auth == nil {
		return uia
	}

	r.logger.Debug("cross-signing upload needs interactive auth", "session", uia.Session)
	err = r.crossSigningUploadRaw(ctx, url, crossSigningUploadReq{
		CrossSigningUpload: keys,
		Auth:               auth(uia.Session),
	})
	if err != nil {
		return fmt.Errorf("authenticated upload: %w", err)
	}
	return nil
}

func (r *Repository) crossSigningUploadRaw(ctx context.Context, endpoint string, body crossSigningUploadReq) error {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.client.AccessToken)

	httpClient := r.client.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var respData struct {
		ErrCode string `json:"errcode"`
		Session string `json:"session"`
		Flows   []struct {
			Stages []string `json:"stages"`
		} `json:"flows"`
	}
	if err := json.Unmarshal(respBody, &respData); err == nil && respData.Session != "" {
		uia := &UIARequiredError{Session: respData.Session, ErrCode: respData.ErrCode}
		for _, flow := range respData.Flows {
			uia.Stages = append(uia.Stages, flow.Stages)
		}
		return uia
	}

	return fmt.Errorf("upload failed (%d): %s", resp.StatusCode, string(respBody))
}
