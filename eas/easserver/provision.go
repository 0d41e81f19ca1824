package easserver

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"time"

	"tern.email/eas"
	"tern.email/wbxml"
)

// policyTypeWBXML is the only policy format protocol 14 clients ask
// for; the old XML format died with EAS 2.5.
const policyTypeWBXML = "MS-EAS-Provisioning-WBXML"

// pendingPolicyTTL bounds how long a phase-1 key waits for its
// acknowledgment before the handshake must restart.
const pendingPolicyTTL = 10 * time.Minute

// Provision status codes, used at the document and policy levels.
const (
	provStatusOK        = "1"
	provStatusError     = "2"
	provStatusBadType   = "3"
	provStatusMalformed = "4"
)

// cmdProvision runs the two-phase policy handshake.
//
// Phase 1 issues a temporary key held in the device's pending slot;
// phase 2 echoes it back and promotes it to the current policy key.
// A phase-1 retry reuses the pending key until it expires: issuing a
// fresh key per retry strands the delayed acknowledgment of the old
// one and loops the client.
func (s *Server) cmdProvision(ctx context.Context, rq *request) ([]byte, error) {
	root, err := rq.decodeBody(eas.PageProvision, eas.ProvProvision, 0)
	if err != nil {
		return nil, err
	}
	policies := root.Child(eas.PageProvision, eas.ProvPolicies)
	if policies == nil {
		return provisionStatus(provStatusMalformed)
	}
	policy := policies.Child(eas.PageProvision, eas.ProvPolicy)
	if policy == nil {
		return provisionStatus(provStatusMalformed)
	}
	if pt := policy.ChildText(eas.PageProvision, eas.ProvPolicyType); pt != policyTypeWBXML {
		return provisionPolicyStatus(provStatusBadType)
	}

	if policy.Child(eas.PageProvision, eas.ProvPolicyKey) == nil {
		return s.provisionPhase1(ctx, rq)
	}
	return s.provisionPhase2(ctx, rq, policy)
}

func (s *Server) provisionPhase1(ctx context.Context, rq *request) ([]byte, error) {
	device := rq.device
	now := time.Now()
	if device.PendingPolicyKey == 0 || now.Sub(device.PendingPolicyTime) > pendingPolicyTTL {
		key, err := s.newPolicyKey()
		if err != nil {
			return nil, err
		}
		device.PendingPolicyKey = key
		device.PendingPolicyTime = now
		if err := s.Backend.SaveDevice(ctx, device); err != nil {
			return nil, fmt.Errorf("easserver: provision phase 1: %v", err)
		}
	}
	rq.log.addKeyOut("policy:" + strconv.FormatUint(uint64(device.PendingPolicyKey), 10))

	e := wbxml.NewEncoder()
	e.Start(eas.PageProvision, eas.ProvProvision)
	e.TextElem(eas.PageProvision, eas.ProvStatus, provStatusOK)
	e.Start(eas.PageProvision, eas.ProvPolicies)
	e.Start(eas.PageProvision, eas.ProvPolicy)
	e.TextElem(eas.PageProvision, eas.ProvPolicyType, policyTypeWBXML)
	e.TextElem(eas.PageProvision, eas.ProvStatus, provStatusOK)
	e.TextElem(eas.PageProvision, eas.ProvPolicyKey, strconv.FormatUint(uint64(device.PendingPolicyKey), 10))
	writePolicyDoc(e)
	e.End()
	e.End()
	e.End()
	return e.Bytes()
}

func (s *Server) provisionPhase2(ctx context.Context, rq *request, policy *wbxml.Node) ([]byte, error) {
	keyText := policy.ChildText(eas.PageProvision, eas.ProvPolicyKey)
	ackKey, err := strconv.ParseUint(keyText, 10, 32)
	if err != nil || ackKey == 0 {
		return provisionStatus(provStatusMalformed)
	}
	if st := policy.ChildText(eas.PageProvision, eas.ProvStatus); st != "" && st != provStatusOK {
		// The client could not apply the policy. The pending slot
		// stays; the device stays gated.
		return provisionPolicyStatus(provStatusError)
	}

	device := rq.device
	switch {
	case device.PendingPolicyKey == 0,
		uint32(ackKey) != device.PendingPolicyKey,
		time.Since(device.PendingPolicyTime) > pendingPolicyTTL:
		return provisionPolicyStatus(provStatusError)
	}

	device.PolicyKey = device.PendingPolicyKey
	device.Provisioned = true
	device.PendingPolicyKey = 0
	device.PendingPolicyTime = time.Time{}
	if err := s.Backend.SaveDevice(ctx, device); err != nil {
		return nil, fmt.Errorf("easserver: provision phase 2: %v", err)
	}
	rq.log.addKeyOut("policy:" + strconv.FormatUint(uint64(device.PolicyKey), 10))

	e := wbxml.NewEncoder()
	e.Start(eas.PageProvision, eas.ProvProvision)
	e.TextElem(eas.PageProvision, eas.ProvStatus, provStatusOK)
	e.Start(eas.PageProvision, eas.ProvPolicies)
	e.Start(eas.PageProvision, eas.ProvPolicy)
	e.TextElem(eas.PageProvision, eas.ProvPolicyType, policyTypeWBXML)
	e.TextElem(eas.PageProvision, eas.ProvStatus, provStatusOK)
	e.TextElem(eas.PageProvision, eas.ProvPolicyKey, strconv.FormatUint(uint64(device.PolicyKey), 10))
	e.End()
	e.End()
	e.End()
	return e.Bytes()
}

// newPolicyKey draws a random non-zero 32-bit key.
func (s *Server) newPolicyKey() (uint32, error) {
	var buf [4]byte
	for {
		if _, err := io.ReadFull(s.Rand, buf[:]); err != nil {
			return 0, fmt.Errorf("easserver: policy key: %v", err)
		}
		if key := binary.BigEndian.Uint32(buf[:]); key != 0 {
			return key, nil
		}
	}
}

// provisionStatus reports a document-level failure.
func provisionStatus(status string) ([]byte, error) {
	e := wbxml.NewEncoder()
	e.Start(eas.PageProvision, eas.ProvProvision)
	e.TextElem(eas.PageProvision, eas.ProvStatus, status)
	e.End()
	return e.Bytes()
}

// provisionPolicyStatus reports a policy-level failure under a
// successful document status.
func provisionPolicyStatus(status string) ([]byte, error) {
	e := wbxml.NewEncoder()
	e.Start(eas.PageProvision, eas.ProvProvision)
	e.TextElem(eas.PageProvision, eas.ProvStatus, provStatusOK)
	e.Start(eas.PageProvision, eas.ProvPolicies)
	e.Start(eas.PageProvision, eas.ProvPolicy)
	e.TextElem(eas.PageProvision, eas.ProvPolicyType, policyTypeWBXML)
	e.TextElem(eas.PageProvision, eas.ProvStatus, status)
	e.End()
	e.End()
	e.End()
	return e.Bytes()
}

// writePolicyDoc writes a permissive policy: no device password, no
// encryption mandate, nothing disabled. Empty MaxAttachmentSize means
// unlimited; -1 truncation sizes mean never truncate.
func writePolicyDoc(e *wbxml.Encoder) {
	e.Start(eas.PageProvision, eas.ProvData)
	e.Start(eas.PageProvision, eas.ProvEASProvisionDoc)
	e.TextElem(eas.PageProvision, eas.ProvDevicePasswordEnabled, "0")
	e.TextElem(eas.PageProvision, eas.ProvAlphanumericPasswordRequired, "0")
	e.TextElem(eas.PageProvision, eas.ProvPasswordRecoveryEnabled, "0")
	e.TextElem(eas.PageProvision, eas.ProvRequireDeviceEncryption, "0")
	e.TextElem(eas.PageProvision, eas.ProvAttachmentsEnabled, "1")
	e.TextElem(eas.PageProvision, eas.ProvAllowSimpleDevicePassword, "1")
	e.TextElem(eas.PageProvision, eas.ProvMaxAttachmentSize, "")
	e.TextElem(eas.PageProvision, eas.ProvAllowStorageCard, "1")
	e.TextElem(eas.PageProvision, eas.ProvAllowCamera, "1")
	e.TextElem(eas.PageProvision, eas.ProvAllowWiFi, "1")
	e.TextElem(eas.PageProvision, eas.ProvAllowTextMessaging, "1")
	e.TextElem(eas.PageProvision, eas.ProvAllowPOPIMAPEmail, "1")
	e.TextElem(eas.PageProvision, eas.ProvAllowBluetooth, "2")
	e.TextElem(eas.PageProvision, eas.ProvAllowIrDA, "1")
	e.TextElem(eas.PageProvision, eas.ProvRequireManualSyncWhenRoaming, "0")
	e.TextElem(eas.PageProvision, eas.ProvAllowDesktopSync, "1")
	e.TextElem(eas.PageProvision, eas.ProvMaxCalendarAgeFilter, "0")
	e.TextElem(eas.PageProvision, eas.ProvAllowHTMLEmail, "1")
	e.TextElem(eas.PageProvision, eas.ProvMaxEmailAgeFilter, "0")
	e.TextElem(eas.PageProvision, eas.ProvMaxEmailBodyTruncationSize, "-1")
	e.TextElem(eas.PageProvision, eas.ProvMaxEmailHTMLBodyTruncation, "-1")
	e.TextElem(eas.PageProvision, eas.ProvAllowBrowser, "1")
	e.TextElem(eas.PageProvision, eas.ProvAllowConsumerEmail, "1")
	e.TextElem(eas.PageProvision, eas.ProvAllowRemoteDesktop, "1")
	e.TextElem(eas.PageProvision, eas.ProvAllowInternetSharing, "1")
	e.End()
	e.End()
}
