package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/crypto"
	"github.com/arko-chat/keytrust/internal/models"
)

// keyRequestTimeout is the server side timeout hint for key query and
// claim requests, in milliseconds.
const keyRequestTimeout = 10000

var _ crypto.SigningRequestRepository = (*Repository)(nil)

// Repository is the key API of one logged in account.
type Repository struct {
	client *mautrix.Client
	logger *slog.Logger
}

func NewRepository(client *mautrix.Client, logger *slog.Logger) *Repository {
	return &Repository{client: client, logger: logger}
}

func (r *Repository) UploadKeys(ctx context.Context, req models.UploadKeysRequest) (map[id.KeyAlgorithm]int, error) {
	var resp struct {
		OneTimeKeyCounts map[id.KeyAlgorithm]int `json:"one_time_key_counts"`
	}
	url := r.client.BuildClientURL("v3", "keys", "upload")
	if _, err := r.client.MakeRequest(ctx, http.MethodPost, url, req, &resp); err != nil {
		return nil, err
	}
	return resp.OneTimeKeyCounts, nil
}

func (r *Repository) QueryKeys(ctx context.Context, users []id.UserID) (*models.QueryKeysResponse, error) {
	req := struct {
		DeviceKeys map[id.UserID][]id.DeviceID `json:"device_keys"`
		Timeout    int                         `json:"timeout"`
	}{
		DeviceKeys: make(map[id.UserID][]id.DeviceID, len(users)),
		Timeout:    keyRequestTimeout,
	}
	for _, userID := range users {
		req.DeviceKeys[userID] = []id.DeviceID{}
	}

	var resp models.QueryKeysResponse
	url := r.client.BuildClientURL("v3", "keys", "query")
	if _, err := r.client.MakeRequest(ctx, http.MethodPost, url, req, &resp); err != nil {
		return nil, err
	}
	for server, failure := range resp.Failures {
		r.logger.Warn("key query failed for server",
			"server", server,
			"failure", string(failure),
		)
	}
	return &resp, nil
}

func (r *Repository) ClaimKeys(ctx context.Context, devices map[id.UserID]map[id.DeviceID]id.KeyAlgorithm) (*models.ClaimKeysResponse, error) {
	req := struct {
		OneTimeKeys map[id.UserID]map[id.DeviceID]id.KeyAlgorithm `json:"one_time_keys"`
		Timeout     int                                           `json:"timeout"`
	}{
		OneTimeKeys: devices,
		Timeout:     keyRequestTimeout,
	}

	var resp models.ClaimKeysResponse
	url := r.client.BuildClientURL("v3", "keys", "claim")
	if _, err := r.client.MakeRequest(ctx, http.MethodPost, url, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *Repository) UploadSignatures(ctx context.Context, upload models.SignatureUpload) (models.SignatureFailures, error) {
	var resp struct {
		Failures models.SignatureFailures `json:"failures"`
	}
	url := r.client.BuildClientURL("v3", "keys", "signatures", "upload")
	if _, err := r.client.MakeRequest(ctx, http.MethodPost, url, upload, &resp); err != nil {
		return nil, err
	}
	return resp.Failures, nil
}

// SendToDevice groups messages by event type and sends each group with a
// fresh transaction id.
func (r *Repository) SendToDevice(ctx context.Context, messages []models.ToDeviceMessage) error {
	byType := make(map[event.Type]models.ToDeviceMessages)
	var order []event.Type
	for _, msg := range messages {
		batch, ok := byType[msg.Type]
		if !ok {
			batch = make(models.ToDeviceMessages)
			byType[msg.Type] = batch
			order = append(order, msg.Type)
		}
		if batch[msg.UserID] == nil {
			batch[msg.UserID] = make(map[id.DeviceID]json.RawMessage)
		}
		batch[msg.UserID][msg.DeviceID] = msg.Content
	}

	for _, evtType := range order {
		req := struct {
			Messages models.ToDeviceMessages `json:"messages"`
		}{Messages: byType[evtType]}
		url := r.client.BuildClientURL("v3", "sendToDevice", evtType.Type, uuid.NewString())
		if _, err := r.client.MakeRequest(ctx, http.MethodPut, url, req, nil); err != nil {
			return fmt.Errorf("send %s to devices: %w", evtType.Type, err)
		}
	}
	return nil
}

func (r *Repository) CreateBackupVersion(ctx context.Context, algorithm string, authData models.RoomKeyBackupAuthData) (string, error) {
	req := struct {
		Algorithm string                       `json:"algorithm"`
		AuthData  models.RoomKeyBackupAuthData `json:"auth_data"`
	}{Algorithm: algorithm, AuthData: authData}

	var resp struct {
		Version string `json:"version"`
	}
	url := r.client.BuildClientURL("v3", "room_keys", "version")
	if _, err := r.client.MakeRequest(ctx, http.MethodPost, url, req, &resp); err != nil {
		return "", err
	}
	if resp.Version == "" {
		return "", fmt.Errorf("backup version missing from response")
	}
	return resp.Version, nil
}

func (r *Repository) GetAccountData(ctx context.Context, eventType string, out any) error {
	url := r.client.BuildClientURL("v3", "user", r.client.UserID, "account_data", eventType)
	_, err := r.client.MakeRequest(ctx, http.MethodGet, url, nil, out)
	if errors.Is(err, mautrix.MNotFound) {
		return fmt.Errorf("%w: %s", crypto.ErrAccountDataNotFound, eventType)
	}
	return err
}

func (r *Repository) SetAccountData(ctx context.Context, eventType string, content any) error {
	url := r.client.BuildClientURL("v3", "user", r.client.UserID, "account_data", eventType)
	_, err := r.client.MakeRequest(ctx, http.MethodPut, url, content, nil)
	return err
}
