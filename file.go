package gobox

import (
	"encoding/json"
	"errors"
	"strings"
)

const (
	// RootID is the id of the storage root folder.
	RootID int64 = 1

	// RootFatherID is the fake father id of the root.
	RootFatherID int64 = 0

	// UnknownID marks a file whose id (or father id) is not known yet.
	UnknownID int64 = -1
)

var (
	errUnknownFileID = errors.New("file doesn't know its id or father id")
	errNotDirectory  = errors.New("file is not a folder")
)

// File references a file or folder in the storage database. It is not a
// handle on a local file: only Prefix ties it to the local filesystem.
type File struct {
	ID             int64  `json:"ID"`
	FatherID       int64  `json:"fatherID"`
	IsDirectory    bool   `json:"isDirectory"`
	Trashed        bool   `json:"trashed"`
	Size           int64  `json:"size"`
	Name           string `json:"name,omitempty"`
	CreationDate   int64  `json:"creationDate"`
	LastUpdateDate int64  `json:"lastUpdateDate"`
	Mime           string `json:"mime,omitempty"`

	// Path lists the ancestors of the file, root side first. It does not
	// contain the file itself. A nil Path means the path is unknown.
	Path []*File `json:"path,omitempty"`

	// Children is nil unless the file is a folder whose content was fetched.
	Children []*File `json:"children,omitempty"`

	// Prefix is the local directory the storage tree is mirrored under. It is
	// client specific and never serialized.
	Prefix string `json:"-"`
}

// RootFile returns a reference to the storage root.
func RootFile() *File {
	return &File{ID: RootID, FatherID: RootFatherID, IsDirectory: true}
}

// NewFile creates a reference from a name or a slash separated path.
func NewFile(name string, isDirectory bool) *File {
	f := &File{ID: UnknownID, FatherID: UnknownID, IsDirectory: isDirectory}
	f.SetName(name)
	return f
}

// NewFileWithID creates a reference that only knows its id.
func NewFileWithID(id int64) *File {
	return &File{ID: id, FatherID: UnknownID}
}

// NewChildFile creates a reference to a new file inside folder fatherID.
func NewChildFile(name string, fatherID int64, isDirectory bool) *File {
	f := &File{ID: UnknownID, FatherID: fatherID, IsDirectory: isDirectory}
	f.SetName(name)
	return f
}

// UnmarshalJSON defaults missing ids to UnknownID.
func (f *File) UnmarshalJSON(data []byte) error {
	type plain File
	p := plain{ID: UnknownID, FatherID: UnknownID}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*f = File(p)
	return nil
}

// SetName sets the name. A name containing '/' is treated as a path.
func (f *File) SetName(name string) {
	if strings.Contains(name, "/") {
		f.SetPathString(name)
		return
	}
	f.Name = name
}

// HasPath reports whether the path of the file is known.
func (f *File) HasPath() bool {
	return f.Path != nil
}

// PathList returns the ancestors followed by the file itself, or nil when
// the path is unknown. The root, which has no name, is not appended.
func (f *File) PathList() []*File {
	if f.Path == nil {
		return nil
	}
	list := make([]*File, 0, len(f.Path)+1)
	list = append(list, f.Path...)
	if f.Name != "" {
		list = append(list, f)
	}
	return list
}

// AbsolutePathList is PathList preceded by one folder per Prefix segment.
func (f *File) AbsolutePathList() []*File {
	rel := f.PathList()
	if rel == nil {
		return nil
	}
	if f.Prefix == "" {
		return rel
	}
	var list []*File
	for _, piece := range splitPath(f.Prefix) {
		list = append(list, &File{ID: UnknownID, FatherID: UnknownID, Name: piece, IsDirectory: true})
	}
	return append(list, rel...)
}

// PathString returns the slash separated path relative to the storage root,
// ending with the file name. It is empty when the path is unknown.
func (f *File) PathString() string {
	return joinPath(f.PathList())
}

// AbsolutePathString returns the local path of the file: Prefix followed by
// PathString.
func (f *File) AbsolutePathString() string {
	return joinPath(f.AbsolutePathList())
}

// SetPathString sets Path and Name from a slash separated path that ends
// with the file name.
func (f *File) SetPathString(p string) {
	f.Path = []*File{}
	if p == "" || p == "/" {
		f.Name = p
		return
	}
	pieces := splitPath(p)
	if len(pieces) == 0 {
		f.Name = ""
		return
	}
	for _, piece := range pieces[:len(pieces)-1] {
		f.Path = append(f.Path, &File{ID: UnknownID, FatherID: UnknownID, Name: piece, IsDirectory: true})
	}
	f.Name = pieces[len(pieces)-1]
}

// SetAbsolutePathString sets Prefix and the relative path from a local path.
// prefix is stripped from rawPath when rawPath starts with it.
func (f *File) SetAbsolutePathString(rawPath, prefix string) {
	f.Prefix = prefix
	f.SetPathString(strings.TrimPrefix(strings.TrimPrefix(rawPath, prefix), "/"))
}

// GenerateChild creates a reference to a new file inside this folder.
func (f *File) GenerateChild(name string, isDirectory bool) (*File, error) {
	if f.ID == UnknownID || f.FatherID == UnknownID {
		return nil, errUnknownFileID
	}
	if !f.IsDirectory {
		return nil, errNotDirectory
	}
	child := &File{ID: UnknownID, FatherID: f.ID, IsDirectory: isDirectory, Prefix: f.Prefix}
	if parent := f.PathString(); parent != "" {
		child.SetPathString(parent + "/" + name)
	} else {
		child.SetPathString(name)
	}
	return child, nil
}

// SetChildren replaces the children. When the path of this folder is known
// each child inherits it and the prefix.
func (f *File) SetChildren(children []*File) {
	f.Children = children
	if f.Path == nil {
		return
	}
	parent := f.PathList()
	for _, child := range children {
		child.Prefix = f.Prefix
		child.Path = append([]*File(nil), parent...)
	}
}

// Equal reports whether f and other reference the same storage entry: same
// known id, or else compatible name, father and kind.
func (f *File) Equal(other *File) bool {
	if f == nil || other == nil {
		return f == other
	}
	if f == other {
		return true
	}
	if f.ID != UnknownID && other.ID != UnknownID && f.ID == other.ID {
		return true
	}
	if f.Name != "" && other.Name != "" && f.Name != other.Name {
		return false
	}
	if f.FatherID != UnknownID && other.FatherID != UnknownID && f.FatherID != other.FatherID {
		return false
	}
	return f.IsDirectory == other.IsDirectory
}

func (f *File) String() string {
	return f.Name
}

// reference returns a copy that only carries the fields the storage uses to
// find a file, without children.
func (f *File) reference() *File {
	ref := *f
	ref.Children = nil
	return &ref
}

// splitPath splits p on '/' dropping trailing empty segments, so "a/b/" and
// "a/b" yield the same pieces while a leading '/' keeps an empty first piece.
func splitPath(p string) []string {
	pieces := strings.Split(p, "/")
	for len(pieces) > 0 && pieces[len(pieces)-1] == "" {
		pieces = pieces[:len(pieces)-1]
	}
	return pieces
}

func joinPath(list []*File) string {
	if list == nil {
		return ""
	}
	names := make([]string, len(list))
	for i, piece := range list {
		names[i] = piece.Name
	}
	return strings.Join(names, "/")
}
