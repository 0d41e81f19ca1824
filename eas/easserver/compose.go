package easserver

import (
	"context"
	"errors"
	"strings"

	"tern.email/eas"
	"tern.email/wbxml"
)

// ComposeMail error statuses. Success sends no body at all.
const (
	composeStatusMalformed = "102" // missing or unreadable MIME content
	composeStatusNotFound  = "150" // source item not found
)

// cmdSendMail submits a complete MIME message composed on the device.
// Protocol 14 wraps the message in a ComposeMail document; older
// clients post the raw message with query parameters.
func (s *Server) cmdSendMail(ctx context.Context, rq *request) ([]byte, error) {
	raw, saveInSent, _, errResp, err := rq.composeBody(eas.CMSendMail)
	if errResp != nil || err != nil {
		return errResp, err
	}
	if err := rq.user.SendMail(ctx, raw, saveInSent); err != nil {
		return nil, err
	}
	return nil, nil
}

// cmdSmartSend serves SmartReply and SmartForward. At protocol 14 the
// device sends the complete composed MIME, so no body merging
// happens here; the source reference only drives the
// answered/forwarded flag on the original message.
func (s *Server) cmdSmartSend(ctx context.Context, rq *request, forward bool) ([]byte, error) {
	rootTok := byte(eas.CMSmartReply)
	if forward {
		rootTok = eas.CMSmartForward
	}
	raw, saveInSent, srcID, errResp, err := rq.composeBody(rootTok)
	if errResp != nil || err != nil {
		return errResp, err
	}
	if srcID == "" {
		return composeStatus(rootTok, composeStatusNotFound)
	}
	_, emailID, perr := eas.ParseServerID(srcID)
	if perr != nil {
		return composeStatus(rootTok, composeStatusNotFound)
	}
	if err := rq.user.MarkAnswered(ctx, emailID, forward); err != nil {
		if errors.Is(err, eas.ErrNotFound) {
			return composeStatus(rootTok, composeStatusNotFound)
		}
		return nil, err
	}
	if err := rq.user.SendMail(ctx, raw, saveInSent); err != nil {
		return nil, err
	}
	return nil, nil
}

// composeBody extracts the MIME payload, the SaveInSentItems flag and
// the source item reference from either body form. A non-nil errResp
// is a finished error document ready to return.
func (rq *request) composeBody(rootTok byte) (raw []byte, saveInSent bool, srcID string, errResp []byte, err error) {
	if wbxml.IsDocument(rq.body) {
		// The default decode budget is sized for protocol chatter;
		// a composed message can be most of maxBodySize.
		root, err := rq.decodeBody(eas.PageComposeMail, rootTok, int64(len(rq.body))+4096)
		if err != nil {
			return nil, false, "", nil, err
		}
		mime := root.Child(eas.PageComposeMail, eas.CMMime)
		if mime == nil || len(mime.Bytes()) == 0 {
			errResp, err := composeStatus(rootTok, composeStatusMalformed)
			return nil, false, "", errResp, err
		}
		raw = mime.Bytes()
		saveInSent = root.Child(eas.PageComposeMail, eas.CMSaveInSentItems) != nil
		if src := root.Child(eas.PageComposeMail, eas.CMSource); src != nil {
			srcID = src.ChildText(eas.PageComposeMail, eas.CMItemId)
		}
		return raw, saveInSent, srcID, nil, nil
	}

	// Raw RFC 822 body with the pre-14 query parameters.
	if len(rq.body) == 0 {
		errResp, err := composeStatus(rootTok, composeStatusMalformed)
		return nil, false, "", errResp, err
	}
	raw = rq.body
	saveInSent = strings.EqualFold(rq.query.Get("SaveInSent"), "T")
	srcID = rq.query.Get("ItemId")
	return raw, saveInSent, srcID, nil, nil
}

func composeStatus(rootTok byte, status string) ([]byte, error) {
	e := wbxml.NewEncoder()
	e.Start(eas.PageComposeMail, rootTok)
	e.TextElem(eas.PageComposeMail, eas.CMStatus, status)
	e.End()
	return e.Bytes()
}
