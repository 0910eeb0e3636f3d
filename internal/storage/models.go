// Copyright 2024 Rc2Compute Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"github.com/uptrace/bun"

	"github.com/wvuRc2/rc2compute/internal/common"
)

// Bun models for the session database tables.
// lastmodified is written through a dialect expression (see Gateway.timestampArg)
// because it is a TIMESTAMP on the server and unix seconds in SQLite.

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// FileModel represents the rcfile metadata table
type FileModel struct {
	bun.BaseModel `bun:"table:rcfile"`

	ID           int64  `bun:"id,pk"`
	WorkspaceID  int64  `bun:"wspaceid,notnull"`
	ProjectID    int64  `bun:"projectid,notnull"`
	Name         string `bun:"name,notnull"`
	Version      int64  `bun:"version,notnull"`
	LastModified int64  `bun:"lastmodified,notnull"`
	Size         int64  `bun:"filesize,notnull"`
}

// FileDataModel represents the rcfiledata content table
type FileDataModel struct {
	bun.BaseModel `bun:"table:rcfiledata"`

	ID      int64  `bun:"id,pk"`
	Content []byte `bun:"bindata,notnull"`
}

// SessionImageModel represents a captured plot in the sessionimage table
type SessionImageModel struct {
	bun.BaseModel `bun:"table:sessionimage"`

	ID        int64  `bun:"id,pk"`
	SessionID int64  `bun:"sessionid,notnull"`
	BatchID   int64  `bun:"batchid,notnull"`
	Name      string `bun:"name,notnull"`
	Data      []byte `bun:"imgdata,notnull"`
}

// WorkspaceDataModel represents the rcworkspacedata table
type WorkspaceDataModel struct {
	bun.BaseModel `bun:"table:rcworkspacedata"`

	ID   int64  `bun:"id,pk"`
	Data []byte `bun:"bindata,notnull"`
}

// NotifyModel represents one row of the SQLite notification table
type NotifyModel struct {
	bun.BaseModel `bun:"table:rcfile_notify"`

	ID        int64  `bun:"id,pk,autoincrement"`
	Channel   string `bun:"channel,notnull"`
	Payload   string `bun:"payload,notnull"`
	CreatedAt int64  `bun:"created_at"`
}

// FileRow is one rcfile row joined with its content.
type FileRow struct {
	ID           int64  `bun:"id"`
	WorkspaceID  int64  `bun:"wspaceid"`
	ProjectID    int64  `bun:"projectid"`
	Name         string `bun:"name"`
	Version      int64  `bun:"version"`
	LastModified int64  `bun:"lastmodified"`
	Size         int64  `bun:"filesize"`
	Content      []byte `bun:"bindata"`
}

// Shared reports whether the row is a project level file rather than a workspace file.
func (r FileRow) Shared() bool {
	return r.WorkspaceID == 0 && r.ProjectID != 0
}

// RelPath returns where the row lives relative to a working directory.
func (r FileRow) RelPath() string {
	return common.RecordPath(r.Name, r.Shared())
}

// Filter narrows LoadFiles. Zero fields are ignored.
type Filter struct {
	FileID      int64
	WorkspaceID int64
	ProjectID   int64
	// SharedOnly restricts to project level rows (no workspace).
	SharedOnly bool
}

// NewFile describes a file to insert.
type NewFile struct {
	WorkspaceID  int64
	ProjectID    int64
	Name         string
	Content      []byte
	LastModified int64
}

// SessionImage describes a captured image to insert.
type SessionImage struct {
	ID        int64
	SessionID int64
	BatchID   int64
	Name      string
	Data      []byte
}

// Notification is one change notification received on a channel.
type Notification struct {
	Channel string
	Payload string
}
