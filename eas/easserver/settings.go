package easserver

import (
	"context"
	"strconv"
	"time"

	"tern.email/eas"
	"tern.email/wbxml"
)

// Settings status codes; 1 success, 2 protocol error, 5 invalid args.
const (
	settingsStatusOK       = "1"
	settingsStatusProtocol = "2"
	settingsStatusBadArgs  = "5"
)

// cmdSettings serves Oof get/set, DeviceInformation set and
// UserInformation get. Each block of the request gets its own status
// block under one document status; a bad block never spoils its
// neighbors.
func (s *Server) cmdSettings(ctx context.Context, rq *request) ([]byte, error) {
	root, err := rq.decodeBody(eas.PageSettings, eas.SetSettings, 0)
	if err != nil {
		return nil, err
	}
	e := wbxml.NewEncoder()
	e.Start(eas.PageSettings, eas.SetSettings)
	e.TextElem(eas.PageSettings, eas.SetStatus, settingsStatusOK)
	for _, block := range root.Children {
		if block.Page != eas.PageSettings {
			continue
		}
		switch block.Tok {
		case eas.SetOof:
			if err := s.settingsOof(ctx, rq, e, block); err != nil {
				return nil, err
			}
		case eas.SetDeviceInformation:
			// The registry already tracks what the transport
			// reports; the metadata set is acknowledged only.
			e.Start(eas.PageSettings, eas.SetDeviceInformation)
			e.TextElem(eas.PageSettings, eas.SetStatus, settingsStatusOK)
			e.End()
		case eas.SetUserInformation:
			e.Start(eas.PageSettings, eas.SetUserInformation)
			e.TextElem(eas.PageSettings, eas.SetStatus, settingsStatusOK)
			e.Start(eas.PageSettings, eas.SetGet)
			e.Start(eas.PageSettings, eas.SetEmailAddresses)
			e.TextElem(eas.PageSettings, eas.SetSMTPAddress, rq.user.Addr())
			e.End()
			e.End()
			e.End()
		case eas.SetDevicePassword:
			e.Start(eas.PageSettings, eas.SetDevicePassword)
			e.TextElem(eas.PageSettings, eas.SetStatus, settingsStatusOK)
			e.End()
		}
	}
	e.End()
	return e.Bytes()
}

func (s *Server) settingsOof(ctx context.Context, rq *request, e *wbxml.Encoder, block *wbxml.Node) error {
	if block.Child(eas.PageSettings, eas.SetGet) != nil {
		oof, err := rq.user.OOF(ctx)
		if err != nil {
			return err
		}
		e.Start(eas.PageSettings, eas.SetOof)
		e.TextElem(eas.PageSettings, eas.SetStatus, settingsStatusOK)
		e.Start(eas.PageSettings, eas.SetGet)
		e.TextElem(eas.PageSettings, eas.SetOofState, strconv.Itoa(oof.State))
		if oof.State == eas.OOFScheduled {
			e.TextElem(eas.PageSettings, eas.SetStartTime, oof.Start.UTC().Format(easTimeFormat))
			e.TextElem(eas.PageSettings, eas.SetEndTime, oof.End.UTC().Format(easTimeFormat))
		}
		writeOofMessage(e, eas.SetAppliesToInternal, oof.Internal)
		writeOofMessage(e, eas.SetAppliesToExternalKnown, oof.ExternalKnown)
		writeOofMessage(e, eas.SetAppliesToExternalUnk, oof.ExternalUnknown)
		e.End()
		e.End()
		return nil
	}

	set := block.Child(eas.PageSettings, eas.SetSet)
	if set == nil {
		e.Start(eas.PageSettings, eas.SetOof)
		e.TextElem(eas.PageSettings, eas.SetStatus, settingsStatusProtocol)
		e.End()
		return nil
	}

	// Updates land on top of the stored document: a Set carrying
	// only OofState must not wipe the messages.
	oof, err := rq.user.OOF(ctx)
	if err != nil {
		return err
	}
	status := settingsStatusOK
	if st := set.ChildText(eas.PageSettings, eas.SetOofState); st != "" {
		n, err := strconv.Atoi(st)
		if err != nil || n < eas.OOFDisabled || n > eas.OOFScheduled {
			status = settingsStatusBadArgs
		} else {
			oof.State = n
		}
	}
	if t := set.ChildText(eas.PageSettings, eas.SetStartTime); t != "" && status == settingsStatusOK {
		start, err := parseOofTime(t)
		if err != nil {
			status = settingsStatusBadArgs
		} else {
			oof.Start = start
		}
	}
	if t := set.ChildText(eas.PageSettings, eas.SetEndTime); t != "" && status == settingsStatusOK {
		end, err := parseOofTime(t)
		if err != nil {
			status = settingsStatusBadArgs
		} else {
			oof.End = end
		}
	}
	for _, msg := range set.All(eas.PageSettings, eas.SetOofMessage) {
		m := eas.OOFMessage{
			Enabled:  msg.ChildText(eas.PageSettings, eas.SetEnabled) == "1",
			Message:  msg.ChildText(eas.PageSettings, eas.SetReplyMessage),
			BodyType: msg.ChildText(eas.PageSettings, eas.SetBodyType),
		}
		switch {
		case msg.Child(eas.PageSettings, eas.SetAppliesToInternal) != nil:
			oof.Internal = m
		case msg.Child(eas.PageSettings, eas.SetAppliesToExternalKnown) != nil:
			oof.ExternalKnown = m
		case msg.Child(eas.PageSettings, eas.SetAppliesToExternalUnk) != nil:
			oof.ExternalUnknown = m
		}
	}
	if oof.State == eas.OOFScheduled && !oof.End.After(oof.Start) {
		status = settingsStatusBadArgs
	}

	if status == settingsStatusOK {
		if err := rq.user.SetOOF(ctx, oof); err != nil {
			return err
		}
	}
	e.Start(eas.PageSettings, eas.SetOof)
	e.TextElem(eas.PageSettings, eas.SetStatus, status)
	e.End()
	return nil
}

func writeOofMessage(e *wbxml.Encoder, appliesTok byte, m eas.OOFMessage) {
	e.Start(eas.PageSettings, eas.SetOofMessage)
	e.Empty(eas.PageSettings, appliesTok)
	if m.Enabled {
		e.TextElem(eas.PageSettings, eas.SetEnabled, "1")
	} else {
		e.TextElem(eas.PageSettings, eas.SetEnabled, "0")
	}
	e.TextElem(eas.PageSettings, eas.SetReplyMessage, m.Message)
	bt := m.BodyType
	if bt == "" {
		bt = "Text"
	}
	e.TextElem(eas.PageSettings, eas.SetBodyType, bt)
	e.End()
}

// parseOofTime accepts the compact EAS form and RFC 3339, which some
// clients send for Oof windows.
func parseOofTime(s string) (time.Time, error) {
	t, err := time.Parse(easTimeFormat, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
