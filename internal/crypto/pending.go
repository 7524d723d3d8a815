package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arko-chat/keytrust/internal/models"
)

// uploadSignatures sends one batch of signed objects. Accepted objects are
// dropped from the pending queue; refused ones, or all of them when the
// request itself failed, are queued for RetryPendingSignatures.
func (e *TrustEvaluator) uploadSignatures(ctx context.Context, upload models.SignatureUpload) error {
	failures, err := e.repo.UploadSignatures(ctx, upload)
	if err != nil {
		e.queuePending(ctx, upload, nil, err.Error())
		return fmt.Errorf("upload signatures: %w", err)
	}

	for userID, objects := range upload {
		for keyName := range objects {
			if _, failed := failures[userID][keyName]; failed {
				continue
			}
			if err := e.keys.DeletePendingSignature(ctx, userID, keyName); err != nil {
				e.logger.Warn("failed to drop uploaded signature from queue",
					"target", userID,
					"key", keyName,
					"err", err,
				)
			}
		}
	}

	if len(failures) == 0 {
		return nil
	}
	e.queuePending(ctx, upload, failures, "")
	return &UploadSignaturesError{Failures: failures}
}

func (e *TrustEvaluator) queuePending(ctx context.Context, upload models.SignatureUpload, failures models.SignatureFailures, reason string) {
	now := time.Now()
	var pending []models.PendingSignature
	for userID, objects := range upload {
		for keyName, object := range objects {
			lastErr := reason
			if failures != nil {
				failure, failed := failures[userID][keyName]
				if !failed {
					continue
				}
				lastErr = failure.ErrCode + ": " + failure.Error
			}
			pending = append(pending, models.PendingSignature{
				UserID:   userID,
				KeyName:  keyName,
				Object:   object,
				QueuedAt: now,
				Attempts: 1,
				LastErr:  lastErr,
			})
		}
	}
	if len(pending) == 0 {
		return
	}
	if err := e.keys.SavePendingSignatures(ctx, pending); err != nil {
		e.logger.Error("failed to queue signatures for retry",
			"count", len(pending),
			"err", err,
		)
	}
}

// PendingSignatures lists signed objects the homeserver has not accepted
// yet.
func (e *TrustEvaluator) PendingSignatures(ctx context.Context) ([]models.PendingSignature, error) {
	return e.keys.GetPendingSignatures(ctx)
}

// RetryPendingSignatures uploads every queued signature again.
func (e *TrustEvaluator) RetryPendingSignatures(ctx context.Context) error {
	pending, err := e.keys.GetPendingSignatures(ctx)
	if err != nil {
		return fmt.Errorf("get pending signatures: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	upload := models.SignatureUpload{}
	for _, p := range pending {
		if upload[p.UserID] == nil {
			upload[p.UserID] = make(map[string]json.RawMessage)
		}
		upload[p.UserID][p.KeyName] = json.RawMessage(p.Object)
	}
	e.logger.Info("retrying pending signature uploads", "count", len(pending))
	return e.uploadSignatures(ctx, upload)
}
