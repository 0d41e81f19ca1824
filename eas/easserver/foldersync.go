package easserver

import (
	"context"
	"strconv"

	"tern.email/eas"
	"tern.email/wbxml"
)

// FolderSync status codes.
const (
	folderStatusOK         = "1"
	folderStatusInvalidKey = "9"
)

// cmdFolderSync reports the folder hierarchy. The hierarchy is fixed
// per user, so the per-device key only ever moves off zero: a request
// with key 0 returns the whole tree under key 1, whatever counter the
// server held before, and a request with the current key returns an
// empty change set. Both are idempotent byte for byte. Any other key
// gets Status 9, which restarts the client from zero.
func (s *Server) cmdFolderSync(ctx context.Context, rq *request) ([]byte, error) {
	root, err := rq.decodeBody(eas.PageFolderHierarchy, eas.FHFolderSync, 0)
	if err != nil {
		return nil, err
	}
	keyText := root.ChildText(eas.PageFolderHierarchy, eas.FHSyncKey)
	rq.log.addKeyIn("folders:" + keyText)
	clientKey, err := strconv.ParseUint(keyText, 10, 64)
	if err != nil {
		return folderSyncStatus(folderStatusInvalidKey)
	}

	serverKey, err := rq.user.FolderSyncKey(ctx, rq.device.DeviceID)
	if err != nil {
		return nil, err
	}

	switch {
	case clientKey == 0:
		folders, err := rq.user.Folders(ctx)
		if err != nil {
			return nil, err
		}
		if err := rq.user.SaveFolderSyncKey(ctx, rq.device.DeviceID, 1); err != nil {
			return nil, err
		}
		rq.log.addKeyOut("folders:1")
		return folderSyncHierarchy(folders)
	case clientKey == serverKey:
		rq.log.addKeyOut("folders:" + keyText)
		return folderSyncNoChanges(clientKey)
	}
	return folderSyncStatus(folderStatusInvalidKey)
}

func folderSyncHierarchy(folders []eas.Collection) ([]byte, error) {
	e := wbxml.NewEncoder()
	e.Start(eas.PageFolderHierarchy, eas.FHFolderSync)
	e.TextElem(eas.PageFolderHierarchy, eas.FHStatus, folderStatusOK)
	e.TextElem(eas.PageFolderHierarchy, eas.FHSyncKey, "1")
	e.Start(eas.PageFolderHierarchy, eas.FHChanges)
	e.TextElem(eas.PageFolderHierarchy, eas.FHCount, strconv.Itoa(len(folders)))
	for _, f := range folders {
		e.Start(eas.PageFolderHierarchy, eas.FHAdd)
		e.TextElem(eas.PageFolderHierarchy, eas.FHServerId, f.ID)
		parent := f.ParentID
		if parent == "" {
			parent = "0"
		}
		e.TextElem(eas.PageFolderHierarchy, eas.FHParentId, parent)
		e.TextElem(eas.PageFolderHierarchy, eas.FHDisplayName, f.Name)
		e.TextElem(eas.PageFolderHierarchy, eas.FHType, strconv.Itoa(f.Type))
		e.End()
	}
	e.End()
	e.End()
	return e.Bytes()
}

func folderSyncNoChanges(key uint64) ([]byte, error) {
	e := wbxml.NewEncoder()
	e.Start(eas.PageFolderHierarchy, eas.FHFolderSync)
	e.TextElem(eas.PageFolderHierarchy, eas.FHStatus, folderStatusOK)
	e.TextElem(eas.PageFolderHierarchy, eas.FHSyncKey, eas.Key(key))
	e.Start(eas.PageFolderHierarchy, eas.FHChanges)
	e.TextElem(eas.PageFolderHierarchy, eas.FHCount, "0")
	e.End()
	e.End()
	return e.Bytes()
}

func folderSyncStatus(status string) ([]byte, error) {
	e := wbxml.NewEncoder()
	e.Start(eas.PageFolderHierarchy, eas.FHFolderSync)
	e.TextElem(eas.PageFolderHierarchy, eas.FHStatus, status)
	e.End()
	return e.Bytes()
}

// knownCollections indexes the user's hierarchy by collection id.
func knownCollections(ctx context.Context, user eas.User) (map[string]bool, error) {
	folders, err := user.Folders(ctx)
	if err != nil {
		return nil, err
	}
	m := make(map[string]bool, len(folders))
	for _, f := range folders {
		m[f.ID] = true
	}
	return m, nil
}
