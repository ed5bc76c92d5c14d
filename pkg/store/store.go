/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package store declares the narrow interface seam this module expects
// from the document-store collaborator (spec.md §6, explicitly out of
// scope to implement). The Router and Requester depend only on these
// interfaces, grounded on the teacher's cloudprovider.CloudProvider
// pattern of specifying an external collaborator purely by interface.
package store

import "context"

// Document is the opaque envelope every record is saved/loaded as.
// Body is left as raw bytes; callers marshal/unmarshal their own types.
type Document struct {
	Id       string
	Rev      string
	Body     []byte
	Deleted  bool
}

// Selector expresses an equality or $regex predicate, mirroring the
// document-store contract of spec.md §6.
type Selector struct {
	Field string
	Equals string
	Regex  string
}

// Change is one entry from a live change feed.
type Change struct {
	Id      string
	Seq     string
	Doc     Document
	Deleted bool
}

// DocumentStore is the opaque collaborator: typed save/load by id,
// secondary-index find, attachments, and a live change feed.
type DocumentStore interface {
	Save(ctx context.Context, doc Document) (rev string, err error)
	Load(ctx context.Context, id string) (Document, error)
	Delete(ctx context.Context, id string, rev string) error
	Find(ctx context.Context, selectors []Selector) ([]Document, error)
	PutAttachment(ctx context.Context, docId, name string, data []byte) error
	GetAttachment(ctx context.Context, docId, name string) ([]byte, error)

	// Watch streams changes matching selectors since "now", closing the
	// returned channel when ctx is cancelled.
	Watch(ctx context.Context, selectors []Selector) (<-chan Change, error)
}
