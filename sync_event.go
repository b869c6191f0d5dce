package gobox

// EventKind is the kind of change a SyncEvent describes.
type EventKind string

const (
	FileCreated   EventKind = "FILE_CREATED"
	FileModified  EventKind = "FILE_MODIFIED"
	FileCopied    EventKind = "FILE_COPIED"
	FileMoved     EventKind = "FILE_MOVED"
	FileTrashed   EventKind = "FILE_TRASHED"
	FileRecovered EventKind = "FILE_RECOVERED"
	FileDeleted   EventKind = "FILE_DELETED"
	FileOpened    EventKind = "FILE_OPENED"
	FileShared    EventKind = "FILE_SHARED"
	FileUnshared  EventKind = "FILE_UNSHARED"
)

// SyncEvent is a change in the storage, pushed to every connected client
// as a "syncEvent" notification.
type SyncEvent struct {
	ID   int64     `json:"ID"`
	Kind EventKind `json:"kind"`
	File *File     `json:"file"`

	// Before is the previous state of File for moves and renames.
	Before *File `json:"before,omitempty"`

	// Date is the time of the change in milliseconds since the epoch.
	Date int64 `json:"date"`
}

// NewSyncEvent creates an event of kind for file.
func NewSyncEvent(kind EventKind, file *File) SyncEvent {
	return SyncEvent{Kind: kind, File: file}
}

// Equal reports whether e and other describe the same change. Events with
// known ids compare by id, others by kind and file.
func (e SyncEvent) Equal(other SyncEvent) bool {
	if e.Kind != other.Kind {
		return false
	}
	if e.ID > 0 && other.ID > 0 {
		return e.ID == other.ID
	}
	return e.File.Equal(other.File)
}

// SyncEventListener receives sync events accepted by the client.
type SyncEventListener func(ev SyncEvent)
