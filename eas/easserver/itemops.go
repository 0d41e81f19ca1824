package easserver

import (
	"context"
	"errors"
	"strconv"

	"tern.email/eas"
	"tern.email/wbxml"
)

// GetItemEstimate per-collection status codes.
const (
	estimateStatusOK         = "1"
	estimateStatusUnknownCol = "2"
	estimateStatusBadKey     = "4"
)

// cmdGetItemEstimate reports how many items a Sync against each
// collection would carry, without moving any state.
func (s *Server) cmdGetItemEstimate(ctx context.Context, rq *request) ([]byte, error) {
	root, err := rq.decodeBody(eas.PageItemEstimate, eas.IEGetItemEstimate, 0)
	if err != nil {
		return nil, err
	}
	cols := root.Child(eas.PageItemEstimate, eas.IECollections)
	if cols == nil {
		return nil, &wbxml.Error{Code: wbxml.ErrMalformed, Detail: "GetItemEstimate without Collections"}
	}
	known, err := knownCollections(ctx, rq.user)
	if err != nil {
		return nil, err
	}

	e := wbxml.NewEncoder()
	e.Start(eas.PageItemEstimate, eas.IEGetItemEstimate)
	for _, cn := range cols.All(eas.PageItemEstimate, eas.IECollection) {
		colID := cn.ChildText(eas.PageItemEstimate, eas.IECollectionId)
		// Protocol 14 moved SyncKey to the AirSync page.
		keyText := cn.ChildText(eas.PageAirSync, eas.ASSyncKey)

		status := estimateStatusOK
		estimate := 0
		switch {
		case colID == "" || !known[colID]:
			status = estimateStatusUnknownCol
		default:
			estimate, status, err = s.estimateCollection(ctx, rq, colID, keyText)
			if err != nil {
				return nil, err
			}
		}

		e.Start(eas.PageItemEstimate, eas.IEResponse)
		e.TextElem(eas.PageItemEstimate, eas.IEStatus, status)
		e.Start(eas.PageItemEstimate, eas.IECollection)
		e.TextElem(eas.PageItemEstimate, eas.IECollectionId, colID)
		if status == estimateStatusOK {
			e.TextElem(eas.PageItemEstimate, eas.IEEstimate, strconv.Itoa(estimate))
		}
		e.End()
		e.End()
	}
	e.End()
	return e.Bytes()
}

// estimateCollection validates the client's sync key against the
// stored state and counts what lies beyond the matching cursor. The
// count is capped at the dialect's window: the client only wants to
// know how big the next Sync will be.
func (s *Server) estimateCollection(ctx context.Context, rq *request, colID, keyText string) (estimate int, status string, err error) {
	clientKey, perr := strconv.ParseUint(keyText, 10, 64)
	if keyText == "" || perr != nil {
		return 0, estimateStatusBadKey, nil
	}
	st, err := rq.user.SyncState(ctx, rq.device.DeviceID, colID)
	if err != nil {
		return 0, "", err
	}
	var cur, next uint64
	var since int64
	if st != nil {
		cur, next = st.CurKey, st.NextKey
	}
	switch clientKey {
	case cur:
		if st != nil {
			since = st.Cursor
		}
	case next:
		since = st.Cursor
		if st.MaxPendingID > since {
			since = st.MaxPendingID
		}
	default:
		return 0, estimateStatusBadKey, nil
	}
	n, err := rq.user.CountEmailsSince(ctx, colID, since)
	if err != nil {
		return 0, "", err
	}
	if max := rq.strategy.MaxWindowSize; n > max {
		n = max
	}
	return n, estimateStatusOK, nil
}

// ItemOperations status codes, document and per-operation.
const (
	ioStatusOK       = "1"
	ioStatusProtocol = "2"
	ioStatusNotFound = "6"
)

// cmdItemOperations serves Fetch by ServerId. The other operations
// (EmptyFolderContents, Move) are acknowledged with a protocol error
// so clients stop retrying them.
func (s *Server) cmdItemOperations(ctx context.Context, rq *request) ([]byte, error) {
	root, err := rq.decodeBody(eas.PageItemOperations, eas.IOItemOperations, 0)
	if err != nil {
		return nil, err
	}
	e := wbxml.NewEncoder()
	e.Start(eas.PageItemOperations, eas.IOItemOperations)
	e.TextElem(eas.PageItemOperations, eas.IOStatus, ioStatusOK)
	e.Start(eas.PageItemOperations, eas.IOResponse)
	for _, op := range root.Children {
		if op.Page != eas.PageItemOperations {
			continue
		}
		switch op.Tok {
		case eas.IOFetch:
			if err := s.itemOpsFetch(ctx, rq, e, op); err != nil {
				return nil, err
			}
		case eas.IOEmptyFolderContents, eas.IOMove:
			e.Start(eas.PageItemOperations, op.Tok)
			e.TextElem(eas.PageItemOperations, eas.IOStatus, ioStatusProtocol)
			e.End()
		}
	}
	e.End()
	e.End()
	return e.Bytes()
}

func (s *Server) itemOpsFetch(ctx context.Context, rq *request, e *wbxml.Encoder, op *wbxml.Node) error {
	serverID := op.ChildText(eas.PageAirSync, eas.ASServerId)
	var prefs []eas.BodyPreference
	if opts := op.Child(eas.PageItemOperations, eas.IOOptions); opts != nil {
		prefs = parseBodyPreferences(opts)
	}

	var m *eas.Email
	_, emailID, err := eas.ParseServerID(serverID)
	if err == nil {
		m, err = rq.user.FetchEmail(ctx, emailID)
		if errors.Is(err, eas.ErrNotFound) {
			m, err = nil, nil
		}
		if err != nil {
			return err
		}
	}

	e.Start(eas.PageItemOperations, eas.IOFetch)
	if m == nil {
		e.TextElem(eas.PageItemOperations, eas.IOStatus, ioStatusNotFound)
		if serverID != "" {
			e.TextElem(eas.PageAirSync, eas.ASServerId, serverID)
		}
		e.End()
		return nil
	}
	e.TextElem(eas.PageItemOperations, eas.IOStatus, ioStatusOK)
	e.TextElem(eas.PageAirSync, eas.ASServerId, serverID)
	e.TextElem(eas.PageAirSync, eas.ASClass, eas.ClassEmail)
	e.Start(eas.PageItemOperations, eas.IOProperties)
	encodeEmailData(e, rq.strategy, prefs, m, false)
	e.End()
	e.End()
	return nil
}

// MoveItems per-move status codes.
const (
	moveStatusBadSrc  = "1"
	moveStatusBadDst  = "2"
	moveStatusOK      = "3"
	moveStatusSameDst = "4"
	moveStatusErr     = "5"
)

// cmdMoveItems moves messages between collections. Moves are
// independent: each gets its own Response and a failed one never
// aborts the rest.
func (s *Server) cmdMoveItems(ctx context.Context, rq *request) ([]byte, error) {
	root, err := rq.decodeBody(eas.PageMove, eas.MvMoveItems, 0)
	if err != nil {
		return nil, err
	}
	moves := root.All(eas.PageMove, eas.MvMove)
	if len(moves) == 0 {
		return nil, &wbxml.Error{Code: wbxml.ErrMalformed, Detail: "MoveItems without Move"}
	}
	known, err := knownCollections(ctx, rq.user)
	if err != nil {
		return nil, err
	}

	e := wbxml.NewEncoder()
	e.Start(eas.PageMove, eas.MvMoveItems)
	for _, mv := range moves {
		srcMsgID := mv.ChildText(eas.PageMove, eas.MvSrcMsgId)
		srcFldID := mv.ChildText(eas.PageMove, eas.MvSrcFldId)
		dstFldID := mv.ChildText(eas.PageMove, eas.MvDstFldId)

		status, dstMsgID := s.moveItem(ctx, rq, known, srcMsgID, srcFldID, dstFldID)
		e.Start(eas.PageMove, eas.MvResponse)
		e.TextElem(eas.PageMove, eas.MvSrcMsgId, srcMsgID)
		e.TextElem(eas.PageMove, eas.MvStatus, status)
		if dstMsgID != "" {
			e.TextElem(eas.PageMove, eas.MvDstMsgId, dstMsgID)
		}
		e.End()
	}
	e.End()
	return e.Bytes()
}

func (s *Server) moveItem(ctx context.Context, rq *request, known map[string]bool, srcMsgID, srcFldID, dstFldID string) (status, dstMsgID string) {
	colID, emailID, err := eas.ParseServerID(srcMsgID)
	if err != nil || (srcFldID != "" && srcFldID != colID) {
		return moveStatusBadSrc, ""
	}
	if !known[dstFldID] {
		return moveStatusBadDst, ""
	}
	if dstFldID == colID {
		return moveStatusSameDst, ""
	}
	newID, err := rq.user.MoveEmail(ctx, emailID, dstFldID)
	if errors.Is(err, eas.ErrNotFound) {
		return moveStatusBadSrc, ""
	}
	if err != nil {
		s.Logf("easserver: move %s to %s: %v", srcMsgID, dstFldID, err)
		return moveStatusErr, ""
	}
	return moveStatusOK, eas.FormatServerID(dstFldID, newID)
}

// cmdSearch answers every mailbox query with a well-formed empty
// result set; clients fall back to their local index.
func (s *Server) cmdSearch(ctx context.Context, rq *request) ([]byte, error) {
	if _, err := rq.decodeBody(eas.PageSearch, eas.SrchSearch, 0); err != nil {
		return nil, err
	}
	e := wbxml.NewEncoder()
	e.Start(eas.PageSearch, eas.SrchSearch)
	e.TextElem(eas.PageSearch, eas.SrchStatus, "1")
	e.Start(eas.PageSearch, eas.SrchResponse)
	e.Start(eas.PageSearch, eas.SrchStore)
	e.TextElem(eas.PageSearch, eas.SrchStatus, "1")
	e.Empty(eas.PageSearch, eas.SrchResult)
	e.TextElem(eas.PageSearch, eas.SrchTotal, "0")
	e.End()
	e.End()
	e.End()
	return e.Bytes()
}
