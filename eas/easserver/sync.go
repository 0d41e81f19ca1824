package easserver

import (
	"context"
	"errors"
	"strconv"

	"tern.email/eas"
	"tern.email/wbxml"
)

// Per-collection Sync status codes.
const (
	syncStatusOK         = "1"
	syncStatusInvalidKey = "3"
	syncStatusProtocol   = "4"
	syncStatusServerErr  = "5"
)

// cmdSync runs the Sync state machine for each requested collection.
//
// Collections are independent: a failure inside one is reported with
// its own Status and never aborts the others. Each collection's
// response fragment is cached in the durable sync state row before
// the response goes out, so a retry with the same key replays
// byte-identical data even across a process restart.
func (s *Server) cmdSync(ctx context.Context, rq *request) ([]byte, error) {
	if len(rq.body) == 0 {
		// An empty request body asks to repeat the previous
		// request. We cache no request parameters, so answer
		// with an empty body, which clients read as "no
		// changes" and follow with a full request when they
		// have traffic.
		return nil, nil
	}
	root, err := rq.decodeBody(eas.PageAirSync, eas.ASSync, 0)
	if err != nil {
		return nil, err
	}
	cols := root.Child(eas.PageAirSync, eas.ASCollections)
	if cols == nil {
		return nil, &wbxml.Error{Code: wbxml.ErrMalformed, Detail: "Sync without Collections"}
	}
	colNodes := cols.All(eas.PageAirSync, eas.ASCollection)
	if len(colNodes) == 0 {
		return nil, &wbxml.Error{Code: wbxml.ErrMalformed, Detail: "Sync with empty Collections"}
	}

	e := wbxml.NewEncoder()
	e.Start(eas.PageAirSync, eas.ASSync)
	e.TextElem(eas.PageAirSync, eas.ASStatus, syncStatusOK)
	e.Start(eas.PageAirSync, eas.ASCollections)
	for _, cn := range colNodes {
		e.Raw(s.syncCollection(ctx, rq, cn))
	}
	e.End()
	e.End()
	return e.Bytes()
}

// syncCollection drives the state machine for one collection and
// returns its encoded <Collection> fragment.
func (s *Server) syncCollection(ctx context.Context, rq *request, cn *wbxml.Node) []byte {
	class := cn.ChildText(eas.PageAirSync, eas.ASClass)
	if class == "" {
		class = eas.ClassEmail
	}
	colID := cn.ChildText(eas.PageAirSync, eas.ASCollectionId)
	keyText := cn.ChildText(eas.PageAirSync, eas.ASSyncKey)
	if colID == "" || keyText == "" {
		return syncErrorFragment(class, keyText, colID, syncStatusProtocol)
	}
	rq.log.addKeyIn(colID + ":" + keyText)
	clientKey, err := strconv.ParseUint(keyText, 10, 64)
	if err != nil {
		return syncErrorFragment(class, keyText, colID, syncStatusProtocol)
	}

	window := rq.strategy.ClampWindow(0)
	if ws := cn.ChildText(eas.PageAirSync, eas.ASWindowSize); ws != "" {
		n, err := strconv.Atoi(ws)
		if err != nil {
			return syncErrorFragment(class, keyText, colID, syncStatusProtocol)
		}
		if n < 1 {
			n = 1
		}
		window = rq.strategy.ClampWindow(n)
	}

	var prefs []eas.BodyPreference
	if opts := cn.Child(eas.PageAirSync, eas.ASOptions); opts != nil {
		// FilterType is accepted and ignored: the cursor model
		// syncs by id, not by age.
		// TODO: honor FilterType date windows once the store
		// can list by received time.
		prefs = parseBodyPreferences(opts)
	}

	getChanges := true
	if gc := cn.Child(eas.PageAirSync, eas.ASGetChanges); gc != nil && gc.Text == "0" {
		getChanges = false
	}
	clientCommands := cn.Child(eas.PageAirSync, eas.ASCommands)

	unlock := s.locks.Lock(syncLockKey(rq.user.ID(), rq.device.DeviceID, colID))
	defer unlock()

	st, err := rq.user.SyncState(ctx, rq.device.DeviceID, colID)
	if err != nil {
		s.Logf("easserver: sync state %s/%s: %v", rq.device.DeviceID, colID, err)
		return syncErrorFragment(class, keyText, colID, syncStatusServerErr)
	}
	if st == nil {
		st = &eas.SyncState{DeviceID: rq.device.DeviceID, CollectionID: colID}
	}
	if st.NextKey == 0 {
		st.NextKey = st.CurKey + 1
	}

	// Explicit re-initialization discards all progress.
	if clientKey == 0 && st.CurKey != 0 {
		st.CurKey, st.NextKey = 0, 1
		st.Cursor = 0
		st.Pending, st.PendingIDs, st.MaxPendingID = nil, nil, 0
	}

	// Idempotent resend. The cached bytes go out verbatim with no
	// state change; anything else loops retrying clients forever.
	if st.Pending != nil && clientKey == st.CurKey {
		rq.log.addKeyOut(colID + ":" + eas.Key(st.NextKey))
		return st.Pending
	}

	switch clientKey {
	case st.NextKey:
		// ACK: the client has durably received the pending
		// batch. Commit its cursor and advance.
		if st.MaxPendingID > st.Cursor {
			st.Cursor = st.MaxPendingID
		}
		st.CurKey = st.NextKey
		st.NextKey++
		st.Pending, st.PendingIDs, st.MaxPendingID = nil, nil, 0
	case 0:
		// Initial sync on fresh state.
	default:
		return syncErrorFragment(class, keyText, colID, syncStatusInvalidKey)
	}

	var responses []byte
	if clientCommands != nil {
		responses, err = s.applySyncCommands(ctx, rq, colID, clientCommands, prefs)
		if err != nil {
			s.Logf("easserver: sync commands %s/%s: %v", rq.device.DeviceID, colID, err)
			return syncErrorFragment(class, keyText, colID, syncStatusServerErr)
		}
	}

	// Outlook wants the initial response empty; data starts on the
	// follow-up request.
	skipData := clientKey == 0 && rq.strategy.NeedsInitialEmptyResponse

	var adds []byte
	var ids []int64
	var maxID int64
	more := false
	if getChanges && !skipData {
		emails, err := rq.user.ListEmails(ctx, colID, st.Cursor, window+1)
		if err != nil {
			s.Logf("easserver: list %s: %v", colID, err)
			return syncErrorFragment(class, keyText, colID, syncStatusServerErr)
		}
		if len(emails) > window {
			emails = emails[:window]
			more = true
		}
		fe := wbxml.NewFragment(eas.PageAirSync)
		budget := rq.strategy.BatchByteBudget
		for i := range emails {
			m := &emails[i]
			mark := fe.Mark()
			if err := s.encodeAdd(ctx, fe, rq, colID, m, prefs, clientKey == 0); err != nil {
				s.Logf("easserver: encode email %d: %v", m.ID, err)
				return syncErrorFragment(class, keyText, colID, syncStatusServerErr)
			}
			// The soft byte cap: an email that busts it is
			// rolled back and left for the next batch,
			// except the first, which always ships so
			// oversized messages cannot wedge the client.
			if fe.Len() > budget && len(ids) > 0 {
				fe.Rollback(mark)
				more = true
				break
			}
			ids = append(ids, m.ID)
			if m.ID > maxID {
				maxID = m.ID
			}
		}
		adds, err = fe.Bytes()
		if err != nil {
			s.Logf("easserver: encode batch %s: %v", colID, err)
			return syncErrorFragment(class, keyText, colID, syncStatusServerErr)
		}
	}

	out := wbxml.NewFragment(eas.PageAirSync)
	out.Start(eas.PageAirSync, eas.ASCollection)
	out.TextElem(eas.PageAirSync, eas.ASClass, class)
	out.TextElem(eas.PageAirSync, eas.ASSyncKey, eas.Key(st.NextKey))
	out.TextElem(eas.PageAirSync, eas.ASCollectionId, colID)
	out.TextElem(eas.PageAirSync, eas.ASStatus, syncStatusOK)
	if len(responses) > 0 {
		out.Start(eas.PageAirSync, eas.ASResponses)
		out.Raw(responses)
		out.End()
	}
	// MoreAvailable must precede Commands.
	if more {
		out.Empty(eas.PageAirSync, eas.ASMoreAvailable)
	}
	if len(ids) > 0 {
		out.Start(eas.PageAirSync, eas.ASCommands)
		out.Raw(adds)
		out.End()
	}
	out.End()
	frag, err := out.Bytes()
	if err != nil {
		s.Logf("easserver: encode collection %s: %v", colID, err)
		return syncErrorFragment(class, keyText, colID, syncStatusServerErr)
	}

	st.Pending = frag
	st.PendingIDs = ids
	st.MaxPendingID = maxID
	if err := rq.user.SaveSyncState(ctx, st); err != nil {
		s.Logf("easserver: save sync state %s/%s: %v", rq.device.DeviceID, colID, err)
		return syncErrorFragment(class, keyText, colID, syncStatusServerErr)
	}
	rq.log.addKeyOut(colID + ":" + eas.Key(st.NextKey))
	return frag
}

// syncErrorFragment encodes a <Collection> carrying only a status.
// The client's own sync key is echoed; state is untouched.
func syncErrorFragment(class, keyText, colID, status string) []byte {
	e := wbxml.NewFragment(eas.PageAirSync)
	e.Start(eas.PageAirSync, eas.ASCollection)
	if class != "" {
		e.TextElem(eas.PageAirSync, eas.ASClass, class)
	}
	if keyText == "" {
		keyText = "0"
	}
	e.TextElem(eas.PageAirSync, eas.ASSyncKey, keyText)
	if colID != "" {
		e.TextElem(eas.PageAirSync, eas.ASCollectionId, colID)
	}
	e.TextElem(eas.PageAirSync, eas.ASStatus, status)
	e.End()
	frag, err := e.Bytes()
	if err != nil {
		// Cannot happen: the fragment above is fully balanced.
		panic(err)
	}
	return frag
}

// parseBodyPreferences reads the AirSyncBase BodyPreference blocks
// out of an Options element.
func parseBodyPreferences(opts *wbxml.Node) []eas.BodyPreference {
	var prefs []eas.BodyPreference
	for _, bp := range opts.All(eas.PageAirSyncBase, eas.ASBBodyPreference) {
		t, err := strconv.Atoi(bp.ChildText(eas.PageAirSyncBase, eas.ASBType))
		if err != nil {
			continue
		}
		p := eas.BodyPreference{Type: t}
		if ts := bp.ChildText(eas.PageAirSyncBase, eas.ASBTruncationSize); ts != "" {
			n, err := strconv.ParseInt(ts, 10, 64)
			if err == nil && n >= 0 {
				p.TruncationSize = n
				p.HasTruncationSize = true
			}
		}
		if aon := bp.Child(eas.PageAirSyncBase, eas.ASBAllOrNone); aon != nil && aon.Text != "0" {
			p.AllOrNone = true
		}
		prefs = append(prefs, p)
	}
	return prefs
}

// applySyncCommands processes client-side Change, Delete and Fetch
// commands and returns the children of the <Responses> element.
// Change and Delete report back only on failure, matching what
// clients expect from Exchange; Fetch always gets a response.
func (s *Server) applySyncCommands(ctx context.Context, rq *request, colID string, commands *wbxml.Node, prefs []eas.BodyPreference) ([]byte, error) {
	e := wbxml.NewFragment(eas.PageAirSync)
	for _, cmd := range commands.Children {
		if cmd.Page != eas.PageAirSync {
			continue
		}
		switch cmd.Tok {
		case eas.ASChange:
			serverID := cmd.ChildText(eas.PageAirSync, eas.ASServerId)
			status, err := s.applyChange(ctx, rq, cmd, serverID)
			if err != nil {
				return nil, err
			}
			if status != syncStatusOK {
				e.Start(eas.PageAirSync, eas.ASChange)
				e.TextElem(eas.PageAirSync, eas.ASServerId, serverID)
				e.TextElem(eas.PageAirSync, eas.ASStatus, status)
				e.End()
			}
		case eas.ASDelete:
			serverID := cmd.ChildText(eas.PageAirSync, eas.ASServerId)
			status := syncStatusOK
			_, emailID, err := eas.ParseServerID(serverID)
			if err != nil {
				status = syncStatusNotFound
			} else if err := rq.user.DeleteEmail(ctx, emailID); errors.Is(err, eas.ErrNotFound) {
				status = syncStatusNotFound
			} else if err != nil {
				return nil, err
			}
			if status != syncStatusOK {
				e.Start(eas.PageAirSync, eas.ASDelete)
				e.TextElem(eas.PageAirSync, eas.ASServerId, serverID)
				e.TextElem(eas.PageAirSync, eas.ASStatus, status)
				e.End()
			}
		case eas.ASFetch:
			serverID := cmd.ChildText(eas.PageAirSync, eas.ASServerId)
			if err := s.encodeSyncFetch(ctx, e, rq, serverID, prefs); err != nil {
				return nil, err
			}
		case eas.ASAdd:
			// Client-side uploads (drafts) are not stored.
			e.Start(eas.PageAirSync, eas.ASAdd)
			if cid := cmd.ChildText(eas.PageAirSync, eas.ASClientId); cid != "" {
				e.TextElem(eas.PageAirSync, eas.ASClientId, cid)
			}
			e.TextElem(eas.PageAirSync, eas.ASStatus, syncStatusServerErr)
			e.End()
		}
	}
	if e.Len() == 0 {
		return nil, nil
	}
	return e.Bytes()
}

const syncStatusNotFound = "8"

func (s *Server) applyChange(ctx context.Context, rq *request, cmd *wbxml.Node, serverID string) (string, error) {
	_, emailID, err := eas.ParseServerID(serverID)
	if err != nil {
		return syncStatusNotFound, nil
	}
	ad := cmd.Child(eas.PageAirSync, eas.ASApplicationData)
	if ad == nil {
		return syncStatusProtocol, nil
	}
	if readNode := ad.Child(eas.PageEmail, eas.EmRead); readNode != nil {
		err := rq.user.MarkRead(ctx, emailID, readNode.Text != "0")
		if errors.Is(err, eas.ErrNotFound) {
			return syncStatusNotFound, nil
		}
		if err != nil {
			return "", err
		}
	}
	// Flag and category changes are accepted and dropped.
	return syncStatusOK, nil
}

func (s *Server) encodeSyncFetch(ctx context.Context, e *wbxml.Encoder, rq *request, serverID string, prefs []eas.BodyPreference) error {
	_, emailID, err := eas.ParseServerID(serverID)
	var m *eas.Email
	if err == nil {
		m, err = rq.user.FetchEmail(ctx, emailID)
	}
	if errors.Is(err, eas.ErrNotFound) {
		err = nil
		m = nil
	}
	if err != nil {
		return err
	}
	e.Start(eas.PageAirSync, eas.ASFetch)
	e.TextElem(eas.PageAirSync, eas.ASServerId, serverID)
	if m == nil {
		e.TextElem(eas.PageAirSync, eas.ASStatus, syncStatusNotFound)
		e.End()
		return nil
	}
	e.TextElem(eas.PageAirSync, eas.ASStatus, syncStatusOK)
	e.Start(eas.PageAirSync, eas.ASApplicationData)
	encodeEmailData(e, rq.strategy, prefs, m, false)
	e.End()
	e.End()
	return nil
}

// encodeAdd writes one <Add> command. MIME bodies are loaded lazily:
// listings carry derived text bodies only.
func (s *Server) encodeAdd(ctx context.Context, e *wbxml.Encoder, rq *request, colID string, m *eas.Email, prefs []eas.BodyPreference, initial bool) error {
	if rq.strategy.PickBodyType(prefs, m) == eas.BodyTypeMIME && m.MIME == nil {
		full, err := rq.user.FetchEmail(ctx, m.ID)
		if err != nil {
			return err
		}
		m.MIME = full.MIME
		m.MIMESize = full.MIMESize
	}
	e.Start(eas.PageAirSync, eas.ASAdd)
	e.TextElem(eas.PageAirSync, eas.ASServerId, eas.FormatServerID(colID, m.ID))
	e.Start(eas.PageAirSync, eas.ASApplicationData)
	encodeEmailData(e, rq.strategy, prefs, m, initial)
	e.End()
	e.End()
	return nil
}

// encodeEmailData writes the ApplicationData children for one email:
// header fields on the Email page, then Body and NativeBodyType on
// AirSyncBase, then the class fields.
func encodeEmailData(e *wbxml.Encoder, strategy eas.Strategy, prefs []eas.BodyPreference, m *eas.Email, initial bool) {
	e.TextElem(eas.PageEmail, eas.EmTo, m.To)
	if m.Cc != "" {
		e.TextElem(eas.PageEmail, eas.EmCc, m.Cc)
	}
	e.TextElem(eas.PageEmail, eas.EmFrom, m.From)
	if m.ReplyTo != "" {
		e.TextElem(eas.PageEmail, eas.EmReplyTo, m.ReplyTo)
	}
	e.TextElem(eas.PageEmail, eas.EmSubject, m.Subject)
	e.TextElem(eas.PageEmail, eas.EmDateReceived, m.DateReceived.UTC().Format(easTimeFormat))
	if m.To != "" {
		e.TextElem(eas.PageEmail, eas.EmDisplayTo, m.To)
	}
	if m.Subject != "" {
		e.TextElem(eas.PageEmail, eas.EmThreadTopic, m.Subject)
	}
	e.TextElem(eas.PageEmail, eas.EmImportance, "1")
	if m.Read {
		e.TextElem(eas.PageEmail, eas.EmRead, "1")
	} else {
		e.TextElem(eas.PageEmail, eas.EmRead, "0")
	}

	encodeBody(e, strategy, prefs, m, initial)

	mc := m.MessageClass
	if mc == "" {
		mc = "IPM.Note"
	}
	e.TextElem(eas.PageEmail, eas.EmMessageClass, mc)
	e.TextElem(eas.PageEmail, eas.EmInternetCPID, "65001") // UTF-8
	e.TextElem(eas.PageEmail, eas.EmContentClass, "urn:content-classes:message")
}

// easTimeFormat is the compact UTC form ActiveSync uses for email
// timestamps.
const easTimeFormat = "2006-01-02T15:04:05.000Z"

// encodeBody writes <Body> and its NativeBodyType sibling.
//
// Child order inside Body is fixed: Type, EstimatedDataSize,
// Truncated, Data. EstimatedDataSize always carries the full size of
// the chosen representation. Data is OPAQUE, and Preview is never
// written next to it.
func encodeBody(e *wbxml.Encoder, strategy eas.Strategy, prefs []eas.BodyPreference, m *eas.Email, initial bool) {
	bodyType := strategy.PickBodyType(prefs, m)
	var content []byte
	switch bodyType {
	case eas.BodyTypeHTML:
		content = []byte(m.BodyHTML)
	case eas.BodyTypeMIME:
		content = m.MIME
	default:
		content = []byte(m.BodyPlain)
	}
	full := len(content)
	if bodyType == eas.BodyTypeMIME && m.MIMESize > int64(full) {
		full = int(m.MIMESize)
	}

	pref, hasPref := eas.FindPreference(prefs, bodyType)
	bound, bounded := strategy.EffectiveTruncation(bodyType, pref.TruncationSize, hasPref && pref.HasTruncationSize, initial)
	data := content
	truncated := false
	if bounded && int64(len(data)) > bound {
		cut, didCut := wbxml.TruncateUTF8(string(data), int(bound))
		data, truncated = []byte(cut), didCut
	}
	// AllOrNone: a body that does not fit whole is not sent at all.
	omitData := truncated && hasPref && pref.AllOrNone

	e.Start(eas.PageAirSyncBase, eas.ASBBody)
	e.TextElem(eas.PageAirSyncBase, eas.ASBType, strconv.Itoa(bodyType))
	e.TextElem(eas.PageAirSyncBase, eas.ASBEstimatedDataSize, strconv.Itoa(full))
	if truncated {
		e.TextElem(eas.PageAirSyncBase, eas.ASBTruncated, "1")
	} else {
		e.TextElem(eas.PageAirSyncBase, eas.ASBTruncated, "0")
	}
	if !omitData {
		e.OpaqueElem(eas.PageAirSyncBase, eas.ASBData, data)
	}
	e.End()
	e.TextElem(eas.PageAirSyncBase, eas.ASBNativeBodyType, strconv.Itoa(m.NativeBodyType()))
}
