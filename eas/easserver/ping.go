package easserver

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"tern.email/eas"
	"tern.email/wbxml"
)

// Heartbeat bounds in seconds. Less than the minimum churns the
// device radio; more than the maximum outlives NAT mappings and
// front-proxy patience.
const (
	minHeartbeat     = 60
	maxHeartbeat     = 3540
	defaultHeartbeat = 900
)

// maxPingFolders bounds one subscription. Exchange allows hundreds;
// nothing sane monitors more than a handful.
const maxPingFolders = 64

// Ping status codes.
const (
	pingStatusExpired   = "1"
	pingStatusChanged   = "2"
	pingStatusMissing   = "3"
	pingStatusSyntax    = "4"
	pingStatusTooMany   = "6"
	pingStatusHierarchy = "7"
)

// pingParams is the effective request an empty-bodied Ping repeats.
type pingParams struct {
	heartbeat time.Duration
	folders   []string
}

// cmdPing suspends until one of the monitored collections changes or
// the heartbeat expires. The handler subscribes to the change bus
// before polling for changes that predate the request, so nothing can
// land unseen between the poll and the suspend.
func (s *Server) cmdPing(ctx context.Context, rq *request) ([]byte, error) {
	priorKey := fmt.Sprintf("%d|%s", rq.user.ID(), rq.device.DeviceID)

	var params pingParams
	if len(rq.body) == 0 {
		// An empty body repeats the previous Ping verbatim.
		prior, ok := s.priorPing(priorKey)
		if !ok {
			return pingResponse(pingStatusMissing, nil)
		}
		params = prior
	} else {
		root, err := rq.decodeBody(eas.PagePing, eas.PingPing, 0)
		if err != nil {
			return nil, err
		}
		params.heartbeat = defaultHeartbeat * time.Second
		if hb := root.ChildText(eas.PagePing, eas.PingHeartbeatInterval); hb != "" {
			n, err := strconv.Atoi(hb)
			if err != nil {
				return pingResponse(pingStatusSyntax, nil)
			}
			params.heartbeat = clampHeartbeat(n)
		}
		if folders := root.Child(eas.PagePing, eas.PingFolders); folders != nil {
			for _, f := range folders.All(eas.PagePing, eas.PingFolder) {
				id := f.ChildText(eas.PagePing, eas.PingId)
				if id == "" {
					return pingResponse(pingStatusSyntax, nil)
				}
				params.folders = append(params.folders, id)
			}
		} else {
			// Heartbeat-only change; folders carry over.
			prior, ok := s.priorPing(priorKey)
			if !ok {
				return pingResponse(pingStatusMissing, nil)
			}
			params.folders = prior.folders
		}
	}
	if len(params.folders) == 0 {
		return pingResponse(pingStatusMissing, nil)
	}
	if len(params.folders) > maxPingFolders {
		return pingResponse(pingStatusTooMany, nil)
	}

	known, err := knownCollections(ctx, rq.user)
	if err != nil {
		return nil, err
	}
	for _, id := range params.folders {
		if !known[id] {
			return pingResponse(pingStatusHierarchy, nil)
		}
	}

	s.pingMu.Lock()
	s.pingPrior[priorKey] = params
	s.pingMu.Unlock()

	// The handler deadline is sized for the largest allowed
	// heartbeat. Tighten it to the one this request asked for.
	ctx, cancel := context.WithTimeout(ctx, params.heartbeat+pingGrace)
	defer cancel()

	sub := s.Bus.Subscribe(rq.user.ID(), params.folders)
	defer sub.Cancel()

	// Mail that arrived since the last committed sync counts as a
	// change even though no bus event fires for it now.
	changed, err := s.unsyncedCollections(ctx, rq, params.folders)
	if err != nil {
		return nil, err
	}
	if len(changed) > 0 {
		return pingResponse(pingStatusChanged, changed)
	}

	timer := time.NewTimer(params.heartbeat)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		// Client gone; nothing to write.
		return nil, ctx.Err()
	case <-timer.C:
		return pingResponse(pingStatusExpired, nil)
	case c := <-sub.C():
		seen := map[string]bool{c.CollectionID: true}
		changed = append(changed, c.CollectionID)
		for {
			select {
			case c := <-sub.C():
				if !seen[c.CollectionID] {
					seen[c.CollectionID] = true
					changed = append(changed, c.CollectionID)
				}
			default:
				return pingResponse(pingStatusChanged, changed)
			}
		}
	}
}

func (s *Server) priorPing(key string) (pingParams, bool) {
	s.pingMu.Lock()
	defer s.pingMu.Unlock()
	p, ok := s.pingPrior[key]
	return p, ok
}

// unsyncedCollections reports which of the folders hold mail beyond
// what the device has been handed through Sync.
func (s *Server) unsyncedCollections(ctx context.Context, rq *request, folders []string) ([]string, error) {
	var changed []string
	for _, colID := range folders {
		st, err := rq.user.SyncState(ctx, rq.device.DeviceID, colID)
		if err != nil {
			return nil, err
		}
		var since int64
		if st != nil {
			since = st.Cursor
			if st.MaxPendingID > since {
				since = st.MaxPendingID
			}
		}
		n, err := rq.user.CountEmailsSince(ctx, colID, since)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			changed = append(changed, colID)
		}
	}
	return changed, nil
}

func clampHeartbeat(seconds int) time.Duration {
	switch {
	case seconds < minHeartbeat:
		seconds = minHeartbeat
	case seconds > maxHeartbeat:
		seconds = maxHeartbeat
	}
	return time.Duration(seconds) * time.Second
}

func pingResponse(status string, changed []string) ([]byte, error) {
	e := wbxml.NewEncoder()
	e.Start(eas.PagePing, eas.PingPing)
	e.TextElem(eas.PagePing, eas.PingStatus, status)
	if len(changed) > 0 {
		e.Start(eas.PagePing, eas.PingFolders)
		for _, id := range changed {
			e.TextElem(eas.PagePing, eas.PingFolder, id)
		}
		e.End()
	}
	e.End()
	return e.Bytes()
}
