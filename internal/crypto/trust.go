package crypto

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/models"
	"github.com/arko-chat/keytrust/internal/olm"
	"github.com/arko-chat/keytrust/internal/store"
)

const verifiedCacheSize = 4096

// TrustEvaluator computes and persists trust levels of device and
// cross-signing keys by walking the signature graph between them.
type TrustEvaluator struct {
	keys     store.KeyStore
	secrets  store.SecretStore
	repo     SigningRequestRepository
	account  *olm.Account
	policy   TrustPolicy
	logger   *slog.Logger
	verified *lru.Cache[string, struct{}]
	observer TrustObserver
}

func NewTrustEvaluator(
	keys store.KeyStore,
	secrets store.SecretStore,
	repo SigningRequestRepository,
	account *olm.Account,
	policy TrustPolicy,
	logger *slog.Logger,
) *TrustEvaluator {
	verified, _ := lru.New[string, struct{}](verifiedCacheSize)
	return &TrustEvaluator{
		keys:     keys,
		secrets:  secrets,
		repo:     repo,
		account:  account,
		policy:   policy,
		logger:   logger,
		verified: verified,
	}
}

// SetObserver must be called before the evaluator is used.
func (e *TrustEvaluator) SetObserver(o TrustObserver) {
	e.observer = o
}

func (e *TrustEvaluator) notify(userID id.UserID, key models.Key, level models.TrustLevel) {
	if e.observer != nil {
		e.observer.TrustChanged(userID, key, level)
	}
}

// verify checks one signature of obj. Successful checks are remembered by
// the exact signed bytes, signature and key.
func (e *TrustEvaluator) verify(obj olm.Signed, signer id.UserID, key models.Key) error {
	sig, ok := obj.GetSignatures().Get(signer, key.ID)
	if !ok {
		return olm.VerifyJSON(obj, signer, key)
	}
	msg, err := olm.CanonicalJSON(obj)
	if err != nil {
		return err
	}
	h := sha256.New()
	for _, part := range []string{string(signer), string(key.ID), key.Value, sig} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(msg)
	cacheKey := hex.EncodeToString(h.Sum(nil))

	if _, hit := e.verified.Get(cacheKey); hit {
		return nil
	}
	if err := olm.VerifyJSON(obj, signer, key); err != nil {
		return err
	}
	e.verified.Add(cacheKey, struct{}{})
	return nil
}

type keyNode struct {
	userID   id.UserID
	key      models.Key
	object   olm.Signed
	isMaster bool
}

func (n keyNode) ref() signatureRef {
	return signatureRef{userID: n.userID, keyID: n.key.ID}
}

// CalculateDeviceKeysTrustLevel checks the device's self-signature and then
// the chain of signatures vouching for it.
func (e *TrustEvaluator) CalculateDeviceKeysTrustLevel(ctx context.Context, device models.DeviceKeys) (models.TrustLevel, error) {
	key, ok := device.SigningKey()
	if !ok {
		return models.Invalid("device has no ed25519 key"), nil
	}
	if err := e.verify(device, device.UserID, key); err != nil {
		return models.Invalid(fmt.Sprintf("device self-signature: %v", err)), nil
	}
	return e.calculateTrustLevel(ctx, keyNode{userID: device.UserID, key: key, object: device})
}

// CalculateCrossSigningKeysTrustLevel checks that a master key is
// self-signed (or accepted on first use) and that self-signing and
// user-signing keys are signed by the user's stored master key before
// walking the signature chain.
func (e *TrustEvaluator) CalculateCrossSigningKeysTrustLevel(ctx context.Context, keys models.CrossSigningKeys) (models.TrustLevel, error) {
	key, ok := keys.SigningKey()
	if !ok {
		return models.Invalid("cross-signing key has no ed25519 key"), nil
	}

	isMaster := keys.HasUsage(id.XSUsageMaster)
	if isMaster {
		err := e.verify(keys, keys.UserID, key)
		if err != nil && !(errors.Is(err, olm.ErrMissingSignature) && e.policy.AcceptUnsignedMasterKey) {
			return models.Invalid(fmt.Sprintf("master key self-signature: %v", err)), nil
		}
	} else {
		set, err := e.keys.GetCrossSigningKeys(ctx, keys.UserID)
		if err != nil {
			return models.TrustLevel{}, fmt.Errorf("get cross-signing keys of %s: %w", keys.UserID, err)
		}
		master, ok := set.ByUsage(id.XSUsageMaster)
		if !ok {
			return models.Invalid("no master key to verify against"), nil
		}
		masterKey, _ := master.Value.SigningKey()
		if err := e.verify(keys, keys.UserID, masterKey); err != nil {
			return models.Invalid(fmt.Sprintf("master key signature: %v", err)), nil
		}
	}

	return e.calculateTrustLevel(ctx, keyNode{userID: keys.UserID, key: key, object: keys, isMaster: isMaster})
}

func (e *TrustEvaluator) calculateTrustLevel(ctx context.Context, node keyNode) (models.TrustLevel, error) {
	state, err := e.keys.GetVerificationState(ctx, node.userID, node.key.ID)
	if err != nil {
		return models.TrustLevel{}, fmt.Errorf("get verification state of %s: %w", node.key.ID, err)
	}
	set, err := e.keys.GetCrossSigningKeys(ctx, node.userID)
	if err != nil {
		return models.TrustLevel{}, fmt.Errorf("get cross-signing keys of %s: %w", node.userID, err)
	}
	_, hasMaster := set.ByUsage(id.XSUsageMaster)

	switch state.Applies(node.key.Value) {
	case models.VerificationVerified:
		if node.isMaster {
			return models.CrossSigned(true), nil
		}
		if !hasMaster {
			return models.Valid(true), nil
		}
	case models.VerificationBlocked:
		return models.Blocked(), nil
	}

	found, err := e.searchSignaturesForTrustLevel(ctx, node)
	if err != nil {
		return models.TrustLevel{}, err
	}
	switch {
	case found != nil:
		return *found, nil
	case node.isMaster:
		return models.CrossSigned(false), nil
	case !hasMaster:
		return models.Valid(false), nil
	default:
		return models.NotCrossSigned(), nil
	}
}

type searchFrame struct {
	node          keyNode
	signers       []signatureRef
	next          int
	childIsMaster bool
	found         []models.TrustLevel
}

// searchSignaturesForTrustLevel walks the keys that signed root, depth
// first, with an explicit stack. Every (user, key) pair is looked at once
// per call, so signature cycles terminate. Each verified signature is
// recorded as a key chain link after the signed key's old incoming links
// were dropped.
func (e *TrustEvaluator) searchSignaturesForTrustLevel(ctx context.Context, root keyNode) (*models.TrustLevel, error) {
	visited := map[signatureRef]struct{}{root.ref(): {}}

	first, err := e.expand(ctx, root)
	if err != nil {
		return nil, err
	}
	stack := []*searchFrame{first}

	for {
		f := stack[len(stack)-1]
		if f.next == len(f.signers) {
			result := aggregateTrust(f.found)
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return result, nil
			}
			parent := stack[len(stack)-1]
			switch {
			case result != nil:
				parent.found = append(parent.found, *result)
			case parent.childIsMaster:
				parent.found = append(parent.found, models.CrossSigned(false))
			}
			continue
		}

		ref := f.signers[f.next]
		f.next++
		if _, seen := visited[ref]; seen {
			continue
		}
		visited[ref] = struct{}{}

		signer, ok, err := e.resolveSigner(ctx, ref)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := e.verify(f.node.object, ref.userID, signer.key); err != nil {
			e.logger.Debug("signature contributes no trust",
				"target", f.node.userID,
				"key", f.node.key.ID,
				"signer", ref.userID,
				"signing_key", ref.keyID,
				"err", err,
			)
			continue
		}

		err = e.keys.SaveKeyChainLink(ctx, models.KeyChainLink{
			SigningUserID: ref.userID,
			SigningKey:    signer.key,
			SignedUserID:  f.node.userID,
			SignedKey:     f.node.key,
		})
		if err != nil {
			return nil, fmt.Errorf("save key chain link: %w", err)
		}

		state, err := e.keys.GetVerificationState(ctx, ref.userID, signer.key.ID)
		if err != nil {
			return nil, fmt.Errorf("get verification state of %s: %w", signer.key.ID, err)
		}
		switch state.Applies(signer.key.Value) {
		case models.VerificationVerified:
			f.found = append(f.found, models.CrossSigned(true))
		case models.VerificationBlocked:
			f.found = append(f.found, models.Blocked())
		default:
			child, err := e.expand(ctx, signer)
			if err != nil {
				return nil, err
			}
			f.childIsMaster = signer.isMaster
			stack = append(stack, child)
		}
	}
}

func (e *TrustEvaluator) expand(ctx context.Context, node keyNode) (*searchFrame, error) {
	if err := e.keys.DeleteKeyChainLinksBySignedKey(ctx, node.userID, node.key); err != nil {
		return nil, fmt.Errorf("delete key chain links of %s: %w", node.key.ID, err)
	}
	return &searchFrame{
		node:    node,
		signers: sortedSignatures(node.object.GetSignatures()),
	}, nil
}

// resolveSigner finds the stored cross-signing key or device behind a
// signature key id.
func (e *TrustEvaluator) resolveSigner(ctx context.Context, ref signatureRef) (keyNode, bool, error) {
	algo, name := ref.keyID.Parse()
	if algo != id.KeyAlgorithmEd25519 {
		return keyNode{}, false, nil
	}

	set, err := e.keys.GetCrossSigningKeys(ctx, ref.userID)
	if err != nil {
		return keyNode{}, false, fmt.Errorf("get cross-signing keys of %s: %w", ref.userID, err)
	}
	if stored, ok := set.ByKeyName(name); ok {
		key, _ := stored.Value.SigningKey()
		return keyNode{
			userID:   ref.userID,
			key:      key,
			object:   stored.Value,
			isMaster: stored.Value.HasUsage(id.XSUsageMaster),
		}, true, nil
	}

	devices, err := e.keys.GetDeviceKeys(ctx, ref.userID)
	if err != nil {
		return keyNode{}, false, fmt.Errorf("get device keys of %s: %w", ref.userID, err)
	}
	if stored, ok := devices[id.DeviceID(name)]; ok {
		if key, ok := stored.Value.SigningKey(); ok && key.ID == ref.keyID {
			return keyNode{userID: ref.userID, key: key, object: stored.Value}, true, nil
		}
	}
	return keyNode{}, false, nil
}

func trustRank(level models.TrustLevel) int {
	switch {
	case level.IsCrossSignedVerified():
		return 3
	case level.Is(models.TrustCrossSigned):
		return 2
	case level.Is(models.TrustBlocked):
		return 1
	default:
		return 0
	}
}

// aggregateTrust prefers CrossSigned(true), then CrossSigned(false), then
// Blocked. nil means no signer contributed trust.
func aggregateTrust(found []models.TrustLevel) *models.TrustLevel {
	var best *models.TrustLevel
	for i := range found {
		if trustRank(found[i]) == 0 {
			continue
		}
		if best == nil || trustRank(found[i]) > trustRank(*best) {
			best = &found[i]
		}
	}
	return best
}

// recomputeStoredTrust recalculates the trust level of a stored device or
// cross-signing key and persists it if the stored key still has the same
// value.
func (e *TrustEvaluator) recomputeStoredTrust(ctx context.Context, userID id.UserID, key models.Key) (models.TrustLevel, error) {
	set, err := e.keys.GetCrossSigningKeys(ctx, userID)
	if err != nil {
		return models.TrustLevel{}, fmt.Errorf("get cross-signing keys of %s: %w", userID, err)
	}
	if stored, ok := set.ByKeyName(key.Name()); ok {
		level, err := e.CalculateCrossSigningKeysTrustLevel(ctx, stored.Value)
		if err != nil {
			return models.TrustLevel{}, err
		}
		changed := false
		err = e.keys.UpdateCrossSigningKeys(ctx, userID, func(old models.CrossSigningKeySet) (models.CrossSigningKeySet, error) {
			changed = false
			cur, ok := old.ByKeyName(key.Name())
			if !ok || cur.TrustLevel == level {
				return old, nil
			}
			cur.TrustLevel = level
			changed = true
			return old.Replace(cur), nil
		})
		if err != nil {
			return models.TrustLevel{}, fmt.Errorf("update cross-signing keys of %s: %w", userID, err)
		}
		if changed {
			e.notify(userID, key, level)
		}
		return level, nil
	}

	devices, err := e.keys.GetDeviceKeys(ctx, userID)
	if err != nil {
		return models.TrustLevel{}, fmt.Errorf("get device keys of %s: %w", userID, err)
	}
	deviceID := id.DeviceID(key.Name())
	stored, ok := devices[deviceID]
	if !ok {
		return models.TrustLevel{}, fmt.Errorf("%w: %s %s", ErrUnknownKey, userID, key.ID)
	}
	signingKey, _ := stored.Value.SigningKey()
	level, err := e.CalculateDeviceKeysTrustLevel(ctx, stored.Value)
	if err != nil {
		return models.TrustLevel{}, err
	}
	changed := false
	err = e.keys.UpdateDeviceKeys(ctx, userID, func(old map[id.DeviceID]models.StoredDeviceKeys) (map[id.DeviceID]models.StoredDeviceKeys, error) {
		changed = false
		cur, ok := old[deviceID]
		if !ok || cur.TrustLevel == level {
			return old, nil
		}
		if k, _ := cur.Value.SigningKey(); k != signingKey {
			return old, nil
		}
		next := make(map[id.DeviceID]models.StoredDeviceKeys, len(old))
		for d, v := range old {
			next[d] = v
		}
		cur.TrustLevel = level
		next[deviceID] = cur
		changed = true
		return next, nil
	})
	if err != nil {
		return models.TrustLevel{}, fmt.Errorf("update device keys of %s: %w", userID, err)
	}
	if changed {
		e.notify(userID, signingKey, level)
	}
	return level, nil
}

// UpdateTrustLevelOfKeyChainSignedBy recomputes the trust of every key
// reachable from signingKey along recorded key chain links.
func (e *TrustEvaluator) UpdateTrustLevelOfKeyChainSignedBy(ctx context.Context, userID id.UserID, signingKey models.Key) error {
	type userKey struct {
		userID id.UserID
		key    models.Key
	}
	queue := []userKey{{userID: userID, key: signingKey}}
	visited := map[signatureRef]struct{}{{userID: userID, keyID: signingKey.ID}: {}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		links, err := e.keys.GetKeyChainLinksBySigningKey(ctx, cur.userID, cur.key)
		if err != nil {
			return fmt.Errorf("get key chain links of %s: %w", cur.key.ID, err)
		}
		for _, link := range links {
			ref := signatureRef{userID: link.SignedUserID, keyID: link.SignedKey.ID}
			if _, seen := visited[ref]; seen {
				continue
			}
			visited[ref] = struct{}{}

			level, err := e.recomputeStoredTrust(ctx, link.SignedUserID, link.SignedKey)
			if errors.Is(err, ErrUnknownKey) {
				e.logger.Debug("key chain link points to a removed key",
					"target", link.SignedUserID,
					"key", link.SignedKey.ID,
				)
				continue
			}
			if err != nil {
				return err
			}
			e.logger.Debug("trust level updated along key chain",
				"target", link.SignedUserID,
				"key", link.SignedKey.ID,
				"trust", level,
			)
			queue = append(queue, userKey{userID: link.SignedUserID, key: link.SignedKey})
		}
	}
	return nil
}

// TrustAndSignKeys marks keys of userID as verified, signs what the own
// identity can sign and uploads the new signatures in one batch. Local
// trust state is updated even when the upload fails, and signatures made
// before a failing key are queued for RetryPendingSignatures.
func (e *TrustEvaluator) TrustAndSignKeys(ctx context.Context, userID id.UserID, keys []models.Key) error {
	upload := models.SignatureUpload{}
	if err := e.trustAndSign(ctx, userID, keys, upload); err != nil {
		// signatures made before the failure go to the retry queue
		e.queuePending(ctx, upload, nil, err.Error())
		return err
	}
	if len(upload) == 0 {
		return nil
	}
	return e.uploadSignatures(ctx, upload)
}

func (e *TrustEvaluator) trustAndSign(ctx context.Context, userID id.UserID, keys []models.Key, upload models.SignatureUpload) error {
	for _, key := range keys {
		if err := e.keys.SaveVerificationState(ctx, userID, key.ID, models.VerifiedKey(key.Value)); err != nil {
			return fmt.Errorf("save verification state of %s: %w", key.ID, err)
		}

		signed, err := e.signKey(ctx, userID, key)
		switch {
		case err != nil:
			e.logger.Warn("could not sign key",
				"target", userID,
				"key", key.ID,
				"err", err,
			)
		case signed != nil:
			if upload[userID] == nil {
				upload[userID] = make(map[string]json.RawMessage)
			}
			upload[userID][key.Name()] = signed
		}

		if _, err := e.recomputeStoredTrust(ctx, userID, key); err != nil && !errors.Is(err, ErrUnknownKey) {
			return err
		}
		if err := e.UpdateTrustLevelOfKeyChainSignedBy(ctx, userID, key); err != nil {
			return err
		}
	}
	return nil
}

// BlockKey marks a key as blocked and propagates the change.
func (e *TrustEvaluator) BlockKey(ctx context.Context, userID id.UserID, key models.Key) error {
	if err := e.keys.SaveVerificationState(ctx, userID, key.ID, models.BlockedKey()); err != nil {
		return fmt.Errorf("save verification state of %s: %w", key.ID, err)
	}
	if _, err := e.recomputeStoredTrust(ctx, userID, key); err != nil && !errors.Is(err, ErrUnknownKey) {
		return err
	}
	return e.UpdateTrustLevelOfKeyChainSignedBy(ctx, userID, key)
}

func (e *TrustEvaluator) secretSigningKey(ctx context.Context, secretType models.SecretType) (*olm.SigningKey, error) {
	secret, err := e.secrets.GetSecret(ctx, secretType)
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", secretType, err)
	}
	if secret == nil || secret.DecryptedPrivateKey == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSecret, secretType)
	}
	return olm.SigningKeyFromBase64(secret.DecryptedPrivateKey)
}

// signKey adds the own signature to a known key object and returns the
// object to upload, or nil when the own identity does not sign this kind
// of key.
func (e *TrustEvaluator) signKey(ctx context.Context, userID id.UserID, key models.Key) (json.RawMessage, error) {
	own := e.account.UserID()

	set, err := e.keys.GetCrossSigningKeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	if stored, ok := set.ByKeyName(key.Name()); ok && stored.Value.HasUsage(id.XSUsageMaster) {
		var sigs models.Signatures
		if userID == own {
			sigs, err = e.account.Signatures(stored.Value)
		} else {
			sigs, err = e.signWithSecret(ctx, models.SecretUserSigningKey, stored.Value)
		}
		if err != nil {
			return nil, err
		}
		err = e.keys.UpdateCrossSigningKeys(ctx, userID, func(old models.CrossSigningKeySet) (models.CrossSigningKeySet, error) {
			cur, ok := old.ByKeyName(key.Name())
			if !ok {
				return old, nil
			}
			cur.Value = cur.Value.WithSignatures(sigs)
			return old.Replace(cur), nil
		})
		if err != nil {
			return nil, fmt.Errorf("store signature of %s: %w", key.ID, err)
		}
		object := stored.Value
		object.Signatures = sigs
		return json.Marshal(object)
	}

	if userID != own {
		return nil, nil
	}
	devices, err := e.keys.GetDeviceKeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	deviceID := id.DeviceID(key.Name())
	stored, ok := devices[deviceID]
	if !ok {
		return nil, nil
	}
	if k, _ := stored.Value.SigningKey(); k.Value != key.Value {
		return nil, fmt.Errorf("device %s changed its key", deviceID)
	}
	sigs, err := e.signWithSecret(ctx, models.SecretSelfSigningKey, stored.Value)
	if err != nil {
		return nil, err
	}
	err = e.keys.UpdateDeviceKeys(ctx, userID, func(old map[id.DeviceID]models.StoredDeviceKeys) (map[id.DeviceID]models.StoredDeviceKeys, error) {
		cur, ok := old[deviceID]
		if !ok {
			return old, nil
		}
		next := make(map[id.DeviceID]models.StoredDeviceKeys, len(old))
		for d, v := range old {
			next[d] = v
		}
		cur.Value = cur.Value.WithSignatures(sigs)
		next[deviceID] = cur
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store signature of %s: %w", key.ID, err)
	}
	object := stored.Value
	object.Signatures = sigs
	object.Unsigned = nil
	return json.Marshal(object)
}

func (e *TrustEvaluator) signWithSecret(ctx context.Context, secretType models.SecretType, obj any) (models.Signatures, error) {
	signingKey, err := e.secretSigningKey(ctx, secretType)
	if err != nil {
		return nil, err
	}
	sig, err := signingKey.SignJSON(obj)
	if err != nil {
		return nil, fmt.Errorf("sign with %s: %w", secretType, err)
	}
	return models.Signatures{e.account.UserID(): {signingKey.Key().ID: sig}}, nil
}
