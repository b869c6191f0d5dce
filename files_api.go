package gobox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
)

// Client query names.
const (
	queryCreateFolder   = "createFolder"
	queryInfo           = "info"
	querySearch         = "search"
	queryTrashFile      = "trashFile"
	queryRemoveFile     = "removeFile"
	querySharedFiles    = "getSharedFiles"
	queryShare          = "share"
	queryMove           = "move"
	queryRename         = "rename"
	queryRecent         = "recent"
	queryTrashed        = "trashed"
	queryEmptyTrash     = "emptyTrash"
	queryDirectLogin    = "directLogin"
	notifyGetEventsList = "getEventsList"
)

// mimeSniffLen is how much of an upload is read to detect its type.
const mimeSniffLen = 3072

// queryStatus is the outcome block most storage answers carry.
type queryStatus struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
}

// checkStatus turns {"success": false, "error": ...} into a QueryError. An
// answer without a success flag but with an error, which is what a fault from
// the peer looks like, fails too.
func checkStatus(query string, payload json.RawMessage) error {
	var status queryStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		// Not an object: nothing to check.
		return nil
	}
	if status.Success != nil && !*status.Success {
		return &QueryError{Query: query, Message: status.Error}
	}
	if status.Success == nil && status.Error != "" {
		return &QueryError{Query: query, Message: status.Error}
	}
	return nil
}

// query makes a storage query on a Ready client and decodes the answer into
// result, which may be nil.
func (c *Client) query(ctx context.Context, name string, params, result interface{}) error {
	d, err := c.readyDispatcher()
	if err != nil {
		return err
	}
	var raw json.RawMessage
	if err := d.Call(ctx, name, params, &raw); err != nil {
		return err
	}
	if err := checkStatus(name, raw); err != nil {
		c.log.WithError(err).WithField("event", name).Debug("Query failed")
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return NewProtocolError(fmt.Sprintf("unmarshal %s response", name), err)
	}
	return nil
}

// CreateDirectory creates dir on the storage and sets its id.
func (c *Client) CreateDirectory(ctx context.Context, dir *File) error {
	c.expectEcho(dir)
	var res struct {
		NewFolderID int64 `json:"newFolderId"`
	}
	if err := c.query(ctx, queryCreateFolder, dir.reference(), &res); err != nil {
		c.dropEcho(dir)
		return err
	}
	dir.ID = res.NewFolderID
	return nil
}

// Info returns the detailed file, with path and children, matching the
// partial reference ref. Answers are cached until a sync event touches them.
func (c *Client) Info(ctx context.Context, ref *File) (*File, error) {
	if cached, ok := c.cache.Get(ref); ok {
		return cached, nil
	}
	req := struct {
		File         *File `json:"file"`
		FindPath     bool  `json:"findPath"`
		FindChildren bool  `json:"findChildren"`
	}{ref.reference(), true, true}
	var res struct {
		Found bool  `json:"found"`
		File  *File `json:"file"`
	}
	if err := c.query(ctx, queryInfo, req, &res); err != nil {
		return nil, err
	}
	if !res.Found || res.File == nil {
		return nil, ErrFileNotFound
	}
	// Children arrive without their path.
	res.File.SetChildren(res.File.Children)
	c.cache.Add(res.File)
	return res.File, nil
}

// TrashFile moves f to the trash, or recovers it when toTrash is false.
func (c *Client) TrashFile(ctx context.Context, f *File, toTrash bool) error {
	req := struct {
		ToTrash bool  `json:"toTrash"`
		File    *File `json:"file"`
	}{toTrash, f.reference()}
	return c.query(ctx, queryTrashFile, req, nil)
}

// RemoveFile deletes f permanently.
func (c *Client) RemoveFile(ctx context.Context, f *File) error {
	c.expectEcho(f)
	if err := c.query(ctx, queryRemoveFile, f.reference(), nil); err != nil {
		c.dropEcho(f)
		return err
	}
	c.cache.Invalidate(f)
	return nil
}

// SharedFiles lists the files currently shared.
func (c *Client) SharedFiles(ctx context.Context) ([]*File, error) {
	var res struct {
		Files []*File `json:"files"`
	}
	if err := c.query(ctx, querySharedFiles, nil, &res); err != nil {
		return nil, err
	}
	return res.Files, nil
}

// Share shares f, or stops sharing it when share is false.
func (c *Client) Share(ctx context.Context, f *File, share bool) error {
	req := struct {
		Share bool  `json:"share"`
		ID    int64 `json:"ID"`
	}{share, f.ID}
	return c.query(ctx, queryShare, req, nil)
}

// Search returns the files matching filter.
func (c *Client) Search(ctx context.Context, filter Filter) ([]*File, error) {
	var res struct {
		Result []*File `json:"result"`
	}
	if err := c.query(ctx, querySearch, filter.normalized(), &res); err != nil {
		return nil, err
	}
	return res.Result, nil
}

// RecentFiles returns a page of the most recent sync events.
func (c *Client) RecentFiles(ctx context.Context, from, size int64) ([]SyncEvent, error) {
	if size <= 0 {
		size = DefaultResultSize
	}
	req := struct {
		From int64 `json:"from"`
		Size int64 `json:"size"`
	}{from, size}
	var res struct {
		Events []SyncEvent `json:"events"`
	}
	if err := c.query(ctx, queryRecent, req, &res); err != nil {
		return nil, err
	}
	return res.Events, nil
}

// TrashedFiles lists the files in the trash.
func (c *Client) TrashedFiles(ctx context.Context) ([]*File, error) {
	var res struct {
		Files []*File `json:"files"`
	}
	if err := c.query(ctx, queryTrashed, nil, &res); err != nil {
		return nil, err
	}
	return res.Files, nil
}

// EmptyTrash deletes every trashed file.
func (c *Client) EmptyTrash(ctx context.Context) error {
	return c.query(ctx, queryEmptyTrash, nil, nil)
}

// Move moves src into dst, or copies it when asCopy is set.
func (c *Client) Move(ctx context.Context, src, dst *File, asCopy bool) error {
	req := struct {
		Src  *File `json:"src"`
		Dst  *File `json:"dst"`
		Copy bool  `json:"copy"`
	}{src.reference(), dst.reference(), asCopy}
	if err := c.query(ctx, queryMove, req, nil); err != nil {
		return err
	}
	c.cache.Invalidate(src)
	return nil
}

// Rename gives f a new name.
func (c *Client) Rename(ctx context.Context, f *File, newName string) error {
	req := struct {
		NewName string `json:"newName"`
		File    *File  `json:"file"`
	}{newName, f.reference()}
	if err := c.query(ctx, queryRename, req, nil); err != nil {
		return err
	}
	c.cache.Invalidate(f)
	return nil
}

// RequestEvents asks the storage to replay the sync events that followed the
// event with id lastHeardID. They arrive as ordinary sync events.
func (c *Client) RequestEvents(ctx context.Context, lastHeardID int64) error {
	d, err := c.readyDispatcher()
	if err != nil {
		return err
	}
	return d.SendNotification(ctx, notifyGetEventsList, struct {
		ID int64 `json:"ID"`
	}{lastHeardID})
}

// TransferMode returns the mode of the current transfer profile.
func (c *Client) TransferMode() ConnectionMode {
	return c.transferProfile().Mode()
}

// SwitchMode changes the route file content takes. Switching to the current
// mode does nothing. Direct modes ask the storage for its address and
// certificate and log in to it.
func (c *Client) SwitchMode(ctx context.Context, mode ConnectionMode) error {
	if _, err := c.readyDispatcher(); err != nil {
		return err
	}
	if mode == c.TransferMode() {
		return nil
	}

	var profile *TransferProfile
	if mode == BridgeMode {
		profile = NewBridgeProfile(c.urls, c.creds, c.transportBase)
	} else {
		var info directLoginInfo
		if err := c.query(ctx, queryDirectLogin, nil, &info); err != nil {
			return err
		}
		p, err := negotiateDirectProfile(ctx, c.urls, mode, info)
		if err != nil {
			c.log.WithError(err).WithField("mode", mode).Warn("Switch failed")
			return fmt.Errorf("switch to %s: %w", mode, err)
		}
		profile = p
	}

	c.mu.Lock()
	c.profile = profile
	c.mu.Unlock()
	c.log.WithField("mode", mode).Info("Switched transfer mode")
	return nil
}

// URL returns the download URL of f for the current transfer profile.
func (c *Client) URL(f *File, preview bool) (*url.URL, error) {
	params := struct {
		ID      int64 `json:"ID"`
		Preview bool  `json:"preview"`
	}{f.ID, preview}
	return c.transferProfile().URL(Download, params, false)
}

// Download writes the content of f to w and returns the number of bytes.
func (c *Client) Download(ctx context.Context, f *File, w io.Writer) (int64, error) {
	if _, err := c.readyDispatcher(); err != nil {
		return 0, err
	}
	if f.IsDirectory {
		return 0, ErrIsDirectory
	}
	params := struct {
		ID int64 `json:"ID"`
	}{f.ID}
	n, err := c.transferProfile().Download(ctx, params, w)
	if err != nil {
		c.log.WithError(err).WithField("file", f.ID).Warn("Download failed")
	}
	return n, err
}

// DownloadTo writes the content of f to localPath. A partial file is removed
// on failure.
func (c *Client) DownloadTo(ctx context.Context, f *File, localPath string) error {
	out, err := c.fs.Create(localPath)
	if err != nil {
		return err
	}
	_, err = c.Download(ctx, f, out)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = c.fs.Remove(localPath)
		return err
	}
	return nil
}

// Upload sends r as the content of f. f must know its father id and name.
// When f.Mime is empty the type is detected from the content.
func (c *Client) Upload(ctx context.Context, f *File, r io.Reader) error {
	if _, err := c.readyDispatcher(); err != nil {
		return err
	}
	if f.IsDirectory {
		return ErrIsDirectory
	}

	mime := f.Mime
	if mime == "" {
		head := make([]byte, mimeSniffLen)
		n, err := io.ReadFull(r, head)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return err
		}
		head = head[:n]
		mime = mimetype.Detect(head).String()
		r = io.MultiReader(bytes.NewReader(head), r)
	}

	params := struct {
		Father *File  `json:"father"`
		Name   string `json:"name"`
	}{NewFileWithID(f.FatherID), f.Name}

	c.expectEcho(f)
	if err := c.transferProfile().Upload(ctx, params, r, mime); err != nil {
		c.dropEcho(f)
		c.log.WithError(err).WithFields(logrus.Fields{"file": f.Name, "father": f.FatherID}).Warn("Upload failed")
		return err
	}
	return nil
}

// UploadFrom uploads the local file at localPath as f, filling in its size
// and modification time.
func (c *Client) UploadFrom(ctx context.Context, f *File, localPath string) error {
	info, err := c.fs.Stat(localPath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return ErrIsDirectory
	}
	in, err := c.fs.Open(localPath)
	if err != nil {
		return err
	}
	defer in.Close()

	f.Size = info.Size()
	f.LastUpdateDate = info.ModTime().UnixMilli()
	return c.Upload(ctx, f, in)
}

// AddSyncEventListener registers fn for sync events. The returned function
// unregisters it.
func (c *Client) AddSyncEventListener(fn SyncEventListener) (unsubscribe func()) {
	c.listenersMu.Lock()
	id := c.listenerSeq
	c.listenerSeq++
	c.syncListeners[id] = fn
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.syncListeners, id)
		c.listenersMu.Unlock()
	}
}

// SetEchoFilter enables or disables the suppression of sync events caused
// by this client.
func (c *Client) SetEchoFilter(enabled bool) {
	c.echoMu.Lock()
	defer c.echoMu.Unlock()
	c.echoFilter = enabled
	if !enabled {
		c.echoes = make(map[string]int)
	}
}

func (c *Client) handleSyncEvent(_ context.Context, payload json.RawMessage) {
	var ev SyncEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.File == nil {
		c.log.WithError(err).Warn("Dropping malformed sync event")
		return
	}

	// The key may need the cached father, so take it before invalidating.
	own := c.consumeEcho(ev.File)

	c.cache.Invalidate(ev.File)
	c.cache.Invalidate(ev.Before)
	if ev.File.FatherID != UnknownID {
		c.cache.Invalidate(NewFileWithID(ev.File.FatherID))
	}

	if own {
		c.log.WithFields(logrus.Fields{"kind": ev.Kind, "path": ev.File.PathString()}).Debug("Ignoring own sync event")
		return
	}

	c.listenersMu.RLock()
	listeners := make([]SyncEventListener, 0, len(c.syncListeners))
	for _, fn := range c.syncListeners {
		listeners = append(listeners, fn)
	}
	c.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// expectEcho records that a sync event for f will be caused by this client.
// Files whose path cannot be worked out are not tracked.
func (c *Client) expectEcho(f *File) {
	key, ok := c.echoKey(f)
	if !ok {
		return
	}
	c.echoMu.Lock()
	defer c.echoMu.Unlock()
	if c.echoFilter {
		c.echoes[key]++
	}
}

// dropEcho undoes expectEcho after a failed operation.
func (c *Client) dropEcho(f *File) {
	key, ok := c.echoKey(f)
	if !ok {
		return
	}
	c.echoMu.Lock()
	defer c.echoMu.Unlock()
	c.removeEchoLocked(key)
}

// consumeEcho reports whether the event for f was expected, forgetting it.
func (c *Client) consumeEcho(f *File) bool {
	key, ok := c.echoKey(f)
	if !ok {
		return false
	}
	c.echoMu.Lock()
	defer c.echoMu.Unlock()
	if !c.echoFilter {
		return false
	}
	return c.removeEchoLocked(key)
}

func (c *Client) removeEchoLocked(path string) bool {
	n, ok := c.echoes[path]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(c.echoes, path)
	} else {
		c.echoes[path] = n - 1
	}
	return true
}

// echoKey identifies f by its path relative to the storage root. A file
// without a known path is looked up in the cache, or placed under its father
// when the father is the root or has a cached path.
func (c *Client) echoKey(f *File) (string, bool) {
	if f.HasPath() {
		return f.PathString(), true
	}
	if f.ID != UnknownID {
		if cached, ok := c.cache.GetByID(f.ID); ok && cached.HasPath() {
			return cached.PathString(), true
		}
	}
	if f.Name == "" || f.FatherID == UnknownID {
		return "", false
	}
	if f.FatherID == RootID {
		return f.Name, true
	}
	father, ok := c.cache.GetByID(f.FatherID)
	if !ok || !father.HasPath() {
		return "", false
	}
	if p := father.PathString(); p != "" {
		return p + "/" + f.Name, true
	}
	return f.Name, true
}
