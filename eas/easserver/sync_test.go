package easserver

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"tern.email/eas"
	"tern.email/wbxml"
)

// syncReq describes one <Collection> of a Sync request.
type syncReq struct {
	collectionID string
	key          string
	window       int
	getChanges   string // "" means omit
	prefs        []eas.BodyPreference
	commands     func(e *wbxml.Encoder)
}

func buildSyncReq(t *testing.T, reqs ...syncReq) []byte {
	t.Helper()
	e := wbxml.NewEncoder()
	e.Start(eas.PageAirSync, eas.ASSync)
	e.Start(eas.PageAirSync, eas.ASCollections)
	for _, r := range reqs {
		e.Start(eas.PageAirSync, eas.ASCollection)
		e.TextElem(eas.PageAirSync, eas.ASSyncKey, r.key)
		e.TextElem(eas.PageAirSync, eas.ASCollectionId, r.collectionID)
		if r.getChanges != "" {
			e.TextElem(eas.PageAirSync, eas.ASGetChanges, r.getChanges)
		}
		if r.window > 0 {
			e.TextElem(eas.PageAirSync, eas.ASWindowSize, strconv.Itoa(r.window))
		}
		if len(r.prefs) > 0 {
			e.Start(eas.PageAirSync, eas.ASOptions)
			for _, p := range r.prefs {
				e.Start(eas.PageAirSyncBase, eas.ASBBodyPreference)
				e.TextElem(eas.PageAirSyncBase, eas.ASBType, strconv.Itoa(p.Type))
				if p.HasTruncationSize {
					e.TextElem(eas.PageAirSyncBase, eas.ASBTruncationSize, strconv.FormatInt(p.TruncationSize, 10))
				}
				if p.AllOrNone {
					e.TextElem(eas.PageAirSyncBase, eas.ASBAllOrNone, "1")
				}
				e.End()
			}
			e.End()
		}
		if r.commands != nil {
			e.Start(eas.PageAirSync, eas.ASCommands)
			r.commands(e)
			e.End()
		}
		e.End()
	}
	e.End()
	e.End()
	return mustEncode(t, e)
}

func plainPref(size int64) []eas.BodyPreference {
	return []eas.BodyPreference{{Type: eas.BodyTypePlain, TruncationSize: size, HasTruncationSize: true}}
}

// syncCollection digs the <Collection> for colID out of a Sync
// response.
func syncCollection(t *testing.T, root *wbxml.Node, colID string) *wbxml.Node {
	t.Helper()
	if got := root.ChildText(eas.PageAirSync, eas.ASStatus); got != "1" {
		t.Fatalf("Sync status %q, want 1", got)
	}
	cols := child(t, root, eas.PageAirSync, eas.ASCollections)
	for _, c := range cols.All(eas.PageAirSync, eas.ASCollection) {
		if c.ChildText(eas.PageAirSync, eas.ASCollectionId) == colID {
			return c
		}
	}
	t.Fatalf("Sync response has no Collection %s", colID)
	return nil
}

func collectionAdds(col *wbxml.Node) []*wbxml.Node {
	cmds := col.Child(eas.PageAirSync, eas.ASCommands)
	if cmds == nil {
		return nil
	}
	return cmds.All(eas.PageAirSync, eas.ASAdd)
}

func addServerIDs(adds []*wbxml.Node) []string {
	var ids []string
	for _, a := range adds {
		ids = append(ids, a.ChildText(eas.PageAirSync, eas.ASServerId))
	}
	return ids
}

func wantServerIDs(t *testing.T, adds []*wbxml.Node, want ...string) {
	t.Helper()
	got := addServerIDs(adds)
	if len(got) != len(want) {
		t.Fatalf("got %d adds %v, want %v", len(got), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("add[%d] = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestSyncInitialIOS(t *testing.T) {
	env := newTestEnv(t)
	key := env.provision(t, uaIPhone)
	env.deliver(t, eas.Email{
		Subject:   "fjords",
		From:      "bob@remote.example",
		To:        testAddr,
		BodyPlain: strings.Repeat("x", 1200),
	})

	root := env.doOK(t, "Sync", uaIPhone, key,
		buildSyncReq(t, syncReq{collectionID: "1", key: "0", prefs: plainPref(500)}))
	col := syncCollection(t, root, "1")

	if got := col.ChildText(eas.PageAirSync, eas.ASSyncKey); got != "1" {
		t.Errorf("SyncKey = %q, want 1", got)
	}
	if got := col.ChildText(eas.PageAirSync, eas.ASStatus); got != "1" {
		t.Errorf("Status = %q, want 1", got)
	}
	if got := col.ChildText(eas.PageAirSync, eas.ASClass); got != eas.ClassEmail {
		t.Errorf("Class = %q, want %q", got, eas.ClassEmail)
	}

	adds := collectionAdds(col)
	wantServerIDs(t, adds, "1:1")
	ad := child(t, adds[0], eas.PageAirSync, eas.ASApplicationData)
	if got := ad.ChildText(eas.PageEmail, eas.EmSubject); got != "fjords" {
		t.Errorf("Subject = %q, want fjords", got)
	}
	if got := ad.ChildText(eas.PageEmail, eas.EmRead); got != "0" {
		t.Errorf("Read = %q, want 0", got)
	}

	body := child(t, ad, eas.PageAirSyncBase, eas.ASBBody)
	if got := body.ChildText(eas.PageAirSyncBase, eas.ASBType); got != "1" {
		t.Errorf("Body Type = %q, want 1", got)
	}
	if got := body.ChildText(eas.PageAirSyncBase, eas.ASBEstimatedDataSize); got != "1200" {
		t.Errorf("EstimatedDataSize = %q, want 1200", got)
	}
	if got := body.ChildText(eas.PageAirSyncBase, eas.ASBTruncated); got != "1" {
		t.Errorf("Truncated = %q, want 1", got)
	}
	data := child(t, body, eas.PageAirSyncBase, eas.ASBData)
	if got := len(data.Bytes()); got != 500 {
		t.Errorf("Data length = %d, want exactly 500", got)
	}

	// Child order inside Body is fixed: Type, EstimatedDataSize,
	// Truncated, Data.
	wantOrder := []byte{eas.ASBType, eas.ASBEstimatedDataSize, eas.ASBTruncated, eas.ASBData}
	if len(body.Children) != len(wantOrder) {
		t.Fatalf("Body has %d children, want %d", len(body.Children), len(wantOrder))
	}
	for i, tok := range wantOrder {
		if body.Children[i].Tok != tok {
			t.Errorf("Body child %d = %s, want %s", i,
				eas.Tags.Name(eas.PageAirSyncBase, body.Children[i].Tok),
				eas.Tags.Name(eas.PageAirSyncBase, tok))
		}
	}
	if got := ad.ChildText(eas.PageAirSyncBase, eas.ASBNativeBodyType); got != "1" {
		t.Errorf("NativeBodyType = %q, want 1", got)
	}
}

func TestSyncInitialOutlookEmpty(t *testing.T) {
	env := newTestEnv(t)
	key := env.provision(t, uaOutlook)
	env.deliver(t, eas.Email{Subject: "a", From: "b@remote.example", To: testAddr, BodyPlain: "hi"})

	root := env.doOK(t, "Sync", uaOutlook, key,
		buildSyncReq(t, syncReq{collectionID: "1", key: "0", prefs: plainPref(5120)}))
	col := syncCollection(t, root, "1")
	if got := col.ChildText(eas.PageAirSync, eas.ASSyncKey); got != "1" {
		t.Errorf("initial SyncKey = %q, want 1", got)
	}
	if cmds := col.Child(eas.PageAirSync, eas.ASCommands); cmds != nil {
		t.Fatal("initial Outlook response carries Commands; it must be empty")
	}

	root = env.doOK(t, "Sync", uaOutlook, key,
		buildSyncReq(t, syncReq{collectionID: "1", key: "1", prefs: plainPref(5120)}))
	col = syncCollection(t, root, "1")
	if got := col.ChildText(eas.PageAirSync, eas.ASSyncKey); got != "2" {
		t.Errorf("follow-up SyncKey = %q, want 2", got)
	}
	wantServerIDs(t, collectionAdds(col), "1:1")
}

func TestSyncResendIdempotent(t *testing.T) {
	env := newTestEnv(t)
	key := env.provision(t, uaIPhone)
	env.deliver(t, eas.Email{Subject: "one", From: "b@remote.example", To: testAddr, BodyPlain: "1"})
	env.deliver(t, eas.Email{Subject: "two", From: "b@remote.example", To: testAddr, BodyPlain: "2"})

	req := buildSyncReq(t, syncReq{collectionID: "1", key: "0", prefs: plainPref(5120)})
	first := env.do(t, "Sync", uaIPhone, key, req)
	if first.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", first.Code)
	}

	// Mail arriving between the send and the retry must not leak
	// into the replay.
	env.deliver(t, eas.Email{Subject: "three", From: "b@remote.example", To: testAddr, BodyPlain: "3"})

	retry := env.do(t, "Sync", uaIPhone, key, req)
	if !bytes.Equal(first.Body.Bytes(), retry.Body.Bytes()) {
		t.Fatal("resend with unchanged sync key altered the response bytes")
	}

	ack := buildSyncReq(t, syncReq{collectionID: "1", key: "1", prefs: plainPref(5120)})
	acked := env.do(t, "Sync", uaIPhone, key, ack)
	root, err := wbxml.Decode(acked.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	col := syncCollection(t, root, "1")
	if got := col.ChildText(eas.PageAirSync, eas.ASSyncKey); got != "2" {
		t.Errorf("ack SyncKey = %q, want 2", got)
	}
	wantServerIDs(t, collectionAdds(col), "1:3")

	ackRetry := env.do(t, "Sync", uaIPhone, key, ack)
	if !bytes.Equal(acked.Body.Bytes(), ackRetry.Body.Bytes()) {
		t.Fatal("ack resend altered the response bytes")
	}
}

func TestSyncInvalidKey(t *testing.T) {
	env := newTestEnv(t)
	key := env.provision(t, uaIPhone)
	env.deliver(t, eas.Email{Subject: "a", From: "b@remote.example", To: testAddr, BodyPlain: "x"})

	env.doOK(t, "Sync", uaIPhone, key,
		buildSyncReq(t, syncReq{collectionID: "1", key: "0", prefs: plainPref(5120)}))

	root := env.doOK(t, "Sync", uaIPhone, key,
		buildSyncReq(t, syncReq{collectionID: "1", key: "7", prefs: plainPref(5120)}))
	col := syncCollection(t, root, "1")
	if got := col.ChildText(eas.PageAirSync, eas.ASStatus); got != syncStatusInvalidKey {
		t.Fatalf("Status = %q, want %q", got, syncStatusInvalidKey)
	}
	if got := col.ChildText(eas.PageAirSync, eas.ASSyncKey); got != "7" {
		t.Errorf("error response echoes SyncKey %q, want 7", got)
	}

	// The bad key did not disturb the pending batch.
	root = env.doOK(t, "Sync", uaIPhone, key,
		buildSyncReq(t, syncReq{collectionID: "1", key: "1", prefs: plainPref(5120)}))
	col = syncCollection(t, root, "1")
	if got := col.ChildText(eas.PageAirSync, eas.ASSyncKey); got != "2" {
		t.Errorf("ack after error: SyncKey = %q, want 2", got)
	}
}

func TestSyncKeyNotNumeric(t *testing.T) {
	env := newTestEnv(t)
	key := env.provision(t, uaIPhone)

	root := env.doOK(t, "Sync", uaIPhone, key,
		buildSyncReq(t, syncReq{collectionID: "1", key: "abc"}))
	col := syncCollection(t, root, "1")
	if got := col.ChildText(eas.PageAirSync, eas.ASStatus); got != syncStatusProtocol {
		t.Fatalf("Status = %q, want %q", got, syncStatusProtocol)
	}
}

func TestSyncRestartFromZero(t *testing.T) {
	env := newTestEnv(t)
	key := env.provision(t, uaIPhone)
	env.deliver(t, eas.Email{Subject: "a", From: "b@remote.example", To: testAddr, BodyPlain: "x"})

	env.doOK(t, "Sync", uaIPhone, key,
		buildSyncReq(t, syncReq{collectionID: "1", key: "0", prefs: plainPref(5120)}))
	env.doOK(t, "Sync", uaIPhone, key,
		buildSyncReq(t, syncReq{collectionID: "1", key: "1", prefs: plainPref(5120)}))

	// Starting over discards the cursor: everything flows again.
	root := env.doOK(t, "Sync", uaIPhone, key,
		buildSyncReq(t, syncReq{collectionID: "1", key: "0", prefs: plainPref(5120)}))
	col := syncCollection(t, root, "1")
	if got := col.ChildText(eas.PageAirSync, eas.ASSyncKey); got != "1" {
		t.Errorf("SyncKey = %q, want 1 after restart", got)
	}
	wantServerIDs(t, collectionAdds(col), "1:1")
}

func TestSyncPagination(t *testing.T) {
	env := newTestEnv(t)
	key := env.provision(t, uaIPhone)
	for i := 0; i < 5; i++ {
		env.deliver(t, eas.Email{Subject: "m" + strconv.Itoa(i+1), From: "b@remote.example", To: testAddr, BodyPlain: "x"})
	}

	root := env.doOK(t, "Sync", uaIPhone, key,
		buildSyncReq(t, syncReq{collectionID: "1", key: "0", window: 2, prefs: plainPref(5120)}))
	col := syncCollection(t, root, "1")
	wantServerIDs(t, collectionAdds(col), "1:1", "1:2")
	if col.Child(eas.PageAirSync, eas.ASMoreAvailable) == nil {
		t.Fatal("first page missing MoreAvailable")
	}

	// MoreAvailable must come before Commands.
	moreIdx, cmdsIdx := -1, -1
	for i, c := range col.Children {
		if c.Page != eas.PageAirSync {
			continue
		}
		switch c.Tok {
		case eas.ASMoreAvailable:
			moreIdx = i
		case eas.ASCommands:
			cmdsIdx = i
		}
	}
	if moreIdx == -1 || cmdsIdx == -1 || moreIdx > cmdsIdx {
		t.Fatalf("MoreAvailable at %d, Commands at %d; MoreAvailable must precede", moreIdx, cmdsIdx)
	}

	root = env.doOK(t, "Sync", uaIPhone, key,
		buildSyncReq(t, syncReq{collectionID: "1", key: "1", window: 2, prefs: plainPref(5120)}))
	col = syncCollection(t, root, "1")
	wantServerIDs(t, collectionAdds(col), "1:3", "1:4")
	if col.Child(eas.PageAirSync, eas.ASMoreAvailable) == nil {
		t.Fatal("second page missing MoreAvailable")
	}

	root = env.doOK(t, "Sync", uaIPhone, key,
		buildSyncReq(t, syncReq{collectionID: "1", key: "2", window: 2, prefs: plainPref(5120)}))
	col = syncCollection(t, root, "1")
	wantServerIDs(t, collectionAdds(col), "1:5")
	if col.Child(eas.PageAirSync, eas.ASMoreAvailable) != nil {
		t.Fatal("final page carries MoreAvailable")
	}
}

func TestSyncWindowClamp(t *testing.T) {
	env := newTestEnv(t)
	key := env.provision(t, uaIPhone)
	for i := 0; i < 101; i++ {
		env.deliver(t, eas.Email{Subject: "m", From: "b@remote.example", To: testAddr, BodyPlain: "x"})
	}

	root := env.doOK(t, "Sync", uaIPhone, key,
		buildSyncReq(t, syncReq{collectionID: "1", key: "0", window: 500, prefs: plainPref(32)}))
	col := syncCollection(t, root, "1")
	adds := collectionAdds(col)
	if len(adds) != 100 {
		t.Fatalf("got %d adds, want the 100-item window cap", len(adds))
	}
	if col.Child(eas.PageAirSync, eas.ASMoreAvailable) == nil {
		t.Fatal("clamped window missing MoreAvailable")
	}
}

func TestSyncByteBudget(t *testing.T) {
	env := newTestEnv(t)
	key := env.provision(t, uaIPhone)
	env.deliver(t, eas.Email{Subject: "big", From: "b@remote.example", To: testAddr, BodyPlain: strings.Repeat("a", 80<<10)})
	env.deliver(t, eas.Email{Subject: "mid1", From: "b@remote.example", To: testAddr, BodyPlain: strings.Repeat("b", 30<<10)})
	env.deliver(t, eas.Email{Subject: "mid2", From: "b@remote.example", To: testAddr, BodyPlain: strings.Repeat("c", 30<<10)})

	// No truncation preference: bodies ship whole. The 80K message
	// exceeds the batch budget by itself but must still be sent.
	root := env.doOK(t, "Sync", uaIPhone, key,
		buildSyncReq(t, syncReq{collectionID: "1", key: "0"}))
	col := syncCollection(t, root, "1")
	wantServerIDs(t, collectionAdds(col), "1:1")
	if col.Child(eas.PageAirSync, eas.ASMoreAvailable) == nil {
		t.Fatal("oversized first batch missing MoreAvailable")
	}

	root = env.doOK(t, "Sync", uaIPhone, key,
		buildSyncReq(t, syncReq{collectionID: "1", key: "1"}))
	col = syncCollection(t, root, "1")
	wantServerIDs(t, collectionAdds(col), "1:2")
	if col.Child(eas.PageAirSync, eas.ASMoreAvailable) == nil {
		t.Fatal("second batch missing MoreAvailable")
	}

	root = env.doOK(t, "Sync", uaIPhone, key,
		buildSyncReq(t, syncReq{collectionID: "1", key: "2"}))
	col = syncCollection(t, root, "1")
	wantServerIDs(t, collectionAdds(col), "1:3")
	if col.Child(eas.PageAirSync, eas.ASMoreAvailable) != nil {
		t.Fatal("final batch carries MoreAvailable")
	}
}

func TestSyncClientCommands(t *testing.T) {
	env := newTestEnv(t)
	key := env.provision(t, uaIPhone)
	env.deliver(t, eas.Email{Subject: "one", From: "b@remote.example", To: testAddr, BodyPlain: "1"})
	env.deliver(t, eas.Email{Subject: "two", From: "b@remote.example", To: testAddr, BodyPlain: "2"})
	env.deliver(t, eas.Email{Subject: "three", From: "b@remote.example", To: testAddr, BodyPlain: "3"})

	env.doOK(t, "Sync", uaIPhone, key,
		buildSyncReq(t, syncReq{collectionID: "1", key: "0", prefs: plainPref(5120)}))

	root := env.doOK(t, "Sync", uaIPhone, key, buildSyncReq(t, syncReq{
		collectionID: "1",
		key:          "1",
		getChanges:   "0",
		prefs:        plainPref(5120),
		commands: func(e *wbxml.Encoder) {
			e.Start(eas.PageAirSync, eas.ASChange)
			e.TextElem(eas.PageAirSync, eas.ASServerId, "1:1")
			e.Start(eas.PageAirSync, eas.ASApplicationData)
			e.TextElem(eas.PageEmail, eas.EmRead, "1")
			e.End()
			e.End()

			e.Start(eas.PageAirSync, eas.ASDelete)
			e.TextElem(eas.PageAirSync, eas.ASServerId, "1:2")
			e.End()

			e.Start(eas.PageAirSync, eas.ASFetch)
			e.TextElem(eas.PageAirSync, eas.ASServerId, "1:3")
			e.End()
		},
	}))
	col := syncCollection(t, root, "1")
	if got := col.ChildText(eas.PageAirSync, eas.ASStatus); got != "1" {
		t.Fatalf("Status = %q, want 1", got)
	}
	// GetChanges=0 suppresses server changes entirely.
	if len(collectionAdds(col)) != 0 {
		t.Error("GetChanges=0 response carries Adds")
	}

	responses := child(t, col, eas.PageAirSync, eas.ASResponses)
	// Successful Change and Delete are silent; only Fetch reports.
	if n := len(responses.All(eas.PageAirSync, eas.ASChange)); n != 0 {
		t.Errorf("%d Change responses, want 0 for success", n)
	}
	if n := len(responses.All(eas.PageAirSync, eas.ASDelete)); n != 0 {
		t.Errorf("%d Delete responses, want 0 for success", n)
	}
	fetches := responses.All(eas.PageAirSync, eas.ASFetch)
	if len(fetches) != 1 {
		t.Fatalf("%d Fetch responses, want 1", len(fetches))
	}
	if got := fetches[0].ChildText(eas.PageAirSync, eas.ASStatus); got != "1" {
		t.Errorf("Fetch status = %q, want 1", got)
	}
	ad := child(t, fetches[0], eas.PageAirSync, eas.ASApplicationData)
	if got := ad.ChildText(eas.PageEmail, eas.EmSubject); got != "three" {
		t.Errorf("fetched Subject = %q, want three", got)
	}

	// Verify against the store.
	ctx := context.Background()
	sess, err := env.store.Login(ctx, testAddr, testPass)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()
	m, err := sess.FetchEmail(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Read {
		t.Error("Change did not mark message 1 read")
	}
	if _, err := sess.FetchEmail(ctx, 2); err == nil {
		t.Error("Delete left message 2 in place")
	}
	deleted, err := sess.ListEmails(ctx, "3", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 1 || deleted[0].Subject != "two" {
		t.Errorf("Deleted Items = %v, want the deleted message", deleted)
	}
}

func TestSyncDeleteUnknown(t *testing.T) {
	env := newTestEnv(t)
	key := env.provision(t, uaIPhone)

	root := env.doOK(t, "Sync", uaIPhone, key, buildSyncReq(t, syncReq{
		collectionID: "1",
		key:          "0",
		commands: func(e *wbxml.Encoder) {
			e.Start(eas.PageAirSync, eas.ASDelete)
			e.TextElem(eas.PageAirSync, eas.ASServerId, "1:99")
			e.End()
		},
	}))
	col := syncCollection(t, root, "1")
	responses := child(t, col, eas.PageAirSync, eas.ASResponses)
	dels := responses.All(eas.PageAirSync, eas.ASDelete)
	if len(dels) != 1 {
		t.Fatalf("%d Delete responses, want 1", len(dels))
	}
	if got := dels[0].ChildText(eas.PageAirSync, eas.ASStatus); got != syncStatusNotFound {
		t.Errorf("Delete status = %q, want %q", got, syncStatusNotFound)
	}
}

func TestSyncMIMEBody(t *testing.T) {
	env := newTestEnv(t)
	key := env.provision(t, uaIPhone)
	raw := "From: b@remote.example\r\nTo: " + testAddr + "\r\nSubject: raw\r\n\r\nthe full original message\r\n"
	env.deliver(t, eas.Email{
		Subject:   "raw",
		From:      "b@remote.example",
		To:        testAddr,
		BodyPlain: "the full original message",
		MIME:      []byte(raw),
	})

	prefs := []eas.BodyPreference{{Type: eas.BodyTypeMIME, TruncationSize: 10, HasTruncationSize: true}}
	root := env.doOK(t, "Sync", uaIPhone, key,
		buildSyncReq(t, syncReq{collectionID: "1", key: "0", prefs: prefs}))
	col := syncCollection(t, root, "1")
	adds := collectionAdds(col)
	wantServerIDs(t, adds, "1:1")

	body := child(t, child(t, adds[0], eas.PageAirSync, eas.ASApplicationData), eas.PageAirSyncBase, eas.ASBBody)
	if got := body.ChildText(eas.PageAirSyncBase, eas.ASBType); got != "4" {
		t.Errorf("Body Type = %q, want 4", got)
	}
	if got := body.ChildText(eas.PageAirSyncBase, eas.ASBTruncated); got != "1" {
		t.Errorf("Truncated = %q, want 1", got)
	}
	if got := body.ChildText(eas.PageAirSyncBase, eas.ASBEstimatedDataSize); got != strconv.Itoa(len(raw)) {
		t.Errorf("EstimatedDataSize = %q, want %d", got, len(raw))
	}
	data := child(t, body, eas.PageAirSyncBase, eas.ASBData)
	if got := string(data.Bytes()); got != raw[:10] {
		t.Errorf("Data = %q, want first 10 raw bytes", got)
	}
}

func TestSyncEmptyBody(t *testing.T) {
	env := newTestEnv(t)
	key := env.provision(t, uaIPhone)
	w := env.do(t, "Sync", uaIPhone, key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Fatalf("empty Sync got a %d byte response, want empty", w.Body.Len())
	}
}

func TestSyncMultipleCollections(t *testing.T) {
	env := newTestEnv(t)
	key := env.provision(t, uaIPhone)
	env.deliver(t, eas.Email{Subject: "in", From: "b@remote.example", To: testAddr, BodyPlain: "x"})
	env.deliver(t, eas.Email{Subject: "del", From: "b@remote.example", To: testAddr, BodyPlain: "y", CollectionID: "3"})

	root := env.doOK(t, "Sync", uaIPhone, key, buildSyncReq(t,
		syncReq{collectionID: "1", key: "0", prefs: plainPref(5120)},
		syncReq{collectionID: "3", key: "0", prefs: plainPref(5120)},
	))
	inbox := syncCollection(t, root, "1")
	wantServerIDs(t, collectionAdds(inbox), "1:1")
	trash := syncCollection(t, root, "3")
	wantServerIDs(t, collectionAdds(trash), "3:2")
}
