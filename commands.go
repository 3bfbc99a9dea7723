package coapfs

import (
	"github.com/pkg/errors"
)

// ItemType is the kind of filesystem entry a Create command makes.
type ItemType string

// Item types understood by the file service.
const (
	ItemFile   ItemType = "file"
	ItemFolder ItemType = "folder"
)

var (
	_ Command = (*Details)(nil)
	_ Command = (*Create)(nil)
	_ Command = (*Open)(nil)
	_ Command = (*Save)(nil)
	_ Command = (*Delete)(nil)
	_ Command = (*Rename)(nil)
	_ Command = (*Move)(nil)
	_ Command = (*Search)(nil)
)

// ack holds the continuation of the fire-and-acknowledge commands. Any
// response counts as success; its content is not inspected.
type ack struct {
	then func()
}

// ParseResponse runs the continuation for any response.
func (a ack) ParseResponse(any) (bool, error) {
	if a.then == nil {
		return false, nil
	}
	a.then()
	return true, nil
}

// Details asks for the type, size and absolute path of an entry.
type Details struct {
	Path string
	then func(any)
}

// NewDetails returns a details command. then receives the decoded
// response unchanged.
func NewDetails(path string, then func(any)) *Details {
	return &Details{Path: path, then: then}
}

// Kind returns KindDetails.
func (*Details) Kind() Kind { return KindDetails }

// Class returns ClassMethod.
func (*Details) Class() uint8 { return ClassMethod }

// Code returns CodeGet.
func (*Details) Code() uint8 { return CodeGet }

// Type returns NonConfirmable.
func (*Details) Type() Type { return NonConfirmable }

// ResponseNeeded returns true.
func (*Details) ResponseNeeded() bool { return true }

func (*Details) command() {}

// Payload returns the request body with keys cmd and path.
func (c *Details) Payload() (string, error) {
	return marshalPayload(struct {
		Cmd  string `json:"cmd"`
		Path string `json:"path"`
	}{KindDetails.String(), c.Path})
}

// ParseResponse passes the decoded response to the continuation as is.
func (c *Details) ParseResponse(data any) (bool, error) {
	if c.then == nil {
		return false, nil
	}
	c.then(data)
	return true, nil
}

// Create makes a new file or folder.
type Create struct {
	Path     string
	ItemType ItemType
	then     func()
}

// NewCreate returns a create command. then runs unless the service reports
// that the entry already exists.
func NewCreate(path string, itemType ItemType, then func()) *Create {
	return &Create{Path: path, ItemType: itemType, then: then}
}

// Kind returns KindCreate.
func (*Create) Kind() Kind { return KindCreate }

// Class returns ClassMethod.
func (*Create) Class() uint8 { return ClassMethod }

// Code returns CodePost.
func (*Create) Code() uint8 { return CodePost }

// Type returns NonConfirmable.
func (*Create) Type() Type { return NonConfirmable }

// ResponseNeeded returns false.
func (*Create) ResponseNeeded() bool { return false }

func (*Create) command() {}

// Payload returns the request body with keys cmd, path and type. It fails
// for an item type other than ItemFile or ItemFolder.
func (c *Create) Payload() (string, error) {
	if c.ItemType != ItemFile && c.ItemType != ItemFolder {
		return "", errors.Errorf("create %s: invalid item type %q", c.Path, c.ItemType)
	}
	return marshalPayload(struct {
		Cmd  string   `json:"cmd"`
		Path string   `json:"path"`
		Type ItemType `json:"type"`
	}{KindCreate.String(), c.Path, c.ItemType})
}

// ParseResponse runs the continuation unless the response is empty or its
// status reports an existing entry. A response without a status string is
// a schema error.
func (c *Create) ParseResponse(data any) (bool, error) {
	if data == nil {
		return false, nil
	}
	status, err := stringField(data, "status")
	if err != nil {
		return false, err
	}
	if status == "exists" || status == "existed" || c.then == nil {
		return false, nil
	}
	c.then()
	return true, nil
}

// Open lists a folder or reads a file.
type Open struct {
	Path string
	then func(response any, itemType string)
}

// NewOpen returns an open command. then receives the listing or content
// together with the entry type reported by the service.
func NewOpen(path string, then func(response any, itemType string)) *Open {
	return &Open{Path: path, then: then}
}

// Kind returns KindOpen.
func (*Open) Kind() Kind { return KindOpen }

// Class returns ClassMethod.
func (*Open) Class() uint8 { return ClassMethod }

// Code returns CodeGet.
func (*Open) Code() uint8 { return CodeGet }

// Type returns NonConfirmable.
func (*Open) Type() Type { return NonConfirmable }

// ResponseNeeded returns true.
func (*Open) ResponseNeeded() bool { return true }

func (*Open) command() {}

// Payload returns the request body with keys cmd and path.
func (c *Open) Payload() (string, error) {
	return marshalPayload(struct {
		Cmd  string `json:"cmd"`
		Path string `json:"path"`
	}{KindOpen.String(), c.Path})
}

// ParseResponse requires the keys response and type and hands both to the
// continuation.
func (c *Open) ParseResponse(data any) (bool, error) {
	response, err := field(data, "response")
	if err != nil {
		return false, err
	}
	itemType, err := stringField(data, "type")
	if err != nil {
		return false, err
	}
	if c.then == nil {
		return false, nil
	}
	c.then(response, itemType)
	return true, nil
}

// Save replaces the content of a file. It is the only confirmable command.
type Save struct {
	ack
	Path    string
	Content string
}

// NewSave returns a save command that replaces the file at path with
// content. then runs once the service acknowledges.
func NewSave(path, content string, then func()) *Save {
	return &Save{ack: ack{then}, Path: path, Content: content}
}

// Kind returns KindSave.
func (*Save) Kind() Kind { return KindSave }

// Class returns ClassMethod.
func (*Save) Class() uint8 { return ClassMethod }

// Code returns CodePost.
func (*Save) Code() uint8 { return CodePost }

// Type returns Confirmable.
func (*Save) Type() Type { return Confirmable }

// ResponseNeeded returns false.
func (*Save) ResponseNeeded() bool { return false }

func (*Save) command() {}

// Payload returns the request body with keys cmd, path and content.
func (c *Save) Payload() (string, error) {
	return marshalPayload(struct {
		Cmd     string `json:"cmd"`
		Path    string `json:"path"`
		Content string `json:"content"`
	}{KindSave.String(), c.Path, c.Content})
}

// Delete removes a file or folder.
type Delete struct {
	ack
	Path string
}

// NewDelete returns a delete command. then runs once the service
// acknowledges.
func NewDelete(path string, then func()) *Delete {
	return &Delete{ack: ack{then}, Path: path}
}

// Kind returns KindDelete.
func (*Delete) Kind() Kind { return KindDelete }

// Class returns ClassMethod.
func (*Delete) Class() uint8 { return ClassMethod }

// Code returns CodePost.
func (*Delete) Code() uint8 { return CodePost }

// Type returns NonConfirmable.
func (*Delete) Type() Type { return NonConfirmable }

// ResponseNeeded returns false.
func (*Delete) ResponseNeeded() bool { return false }

func (*Delete) command() {}

// Payload returns the request body with keys cmd and path.
func (c *Delete) Payload() (string, error) {
	return marshalPayload(struct {
		Cmd  string `json:"cmd"`
		Path string `json:"path"`
	}{KindDelete.String(), c.Path})
}

// Rename gives an entry a new name inside its folder.
type Rename struct {
	ack
	Path string
	Name string
}

// NewRename returns a command that renames the entry at path to name
// within its folder. then runs once the service acknowledges.
func NewRename(path, name string, then func()) *Rename {
	return &Rename{ack: ack{then}, Path: path, Name: name}
}

// Kind returns KindRename.
func (*Rename) Kind() Kind { return KindRename }

// Class returns ClassMethod.
func (*Rename) Class() uint8 { return ClassMethod }

// Code returns CodePost.
func (*Rename) Code() uint8 { return CodePost }

// Type returns NonConfirmable.
func (*Rename) Type() Type { return NonConfirmable }

// ResponseNeeded returns false.
func (*Rename) ResponseNeeded() bool { return false }

func (*Rename) command() {}

// Payload returns the request body with keys cmd, path and name.
func (c *Rename) Payload() (string, error) {
	return marshalPayload(struct {
		Cmd  string `json:"cmd"`
		Path string `json:"path"`
		Name string `json:"name"`
	}{KindRename.String(), c.Path, c.Name})
}

// Move relocates an entry to another path.
type Move struct {
	ack
	Path    string
	NewPath string
}

// NewMove returns a command that moves the entry at path to newPath.
// then runs once the service acknowledges.
func NewMove(path, newPath string, then func()) *Move {
	return &Move{ack: ack{then}, Path: path, NewPath: newPath}
}

// Kind returns KindMove.
func (*Move) Kind() Kind { return KindMove }

// Class returns ClassMethod.
func (*Move) Class() uint8 { return ClassMethod }

// Code returns CodePost.
func (*Move) Code() uint8 { return CodePost }

// Type returns NonConfirmable.
func (*Move) Type() Type { return NonConfirmable }

// ResponseNeeded returns false.
func (*Move) ResponseNeeded() bool { return false }

func (*Move) command() {}

// Payload returns the request body with keys cmd, path and new_path.
func (c *Move) Payload() (string, error) {
	return marshalPayload(struct {
		Cmd     string `json:"cmd"`
		Path    string `json:"path"`
		NewPath string `json:"new_path"`
	}{KindMove.String(), c.Path, c.NewPath})
}

// Search looks for entries under Path whose name matches Pattern.
type Search struct {
	Path    string
	Pattern string
	then    func([]string)
}

// NewSearch returns a search command. pattern is a regular expression
// evaluated by the service against entry names.
func NewSearch(path, pattern string, then func([]string)) *Search {
	return &Search{Path: path, Pattern: pattern, then: then}
}

// Kind returns KindSearch.
func (*Search) Kind() Kind { return KindSearch }

// Class returns ClassMethod.
func (*Search) Class() uint8 { return ClassMethod }

// Code returns CodeSearch.
func (*Search) Code() uint8 { return CodeSearch }

// Type returns NonConfirmable.
func (*Search) Type() Type { return NonConfirmable }

// ResponseNeeded returns true.
func (*Search) ResponseNeeded() bool { return true }

func (*Search) command() {}

// Payload returns the request body with keys cmd, path and target_name_regex.
func (c *Search) Payload() (string, error) {
	return marshalPayload(struct {
		Cmd     string `json:"cmd"`
		Path    string `json:"path"`
		Pattern string `json:"target_name_regex"`
	}{KindSearch.String(), c.Path, c.Pattern})
}

// ParseResponse requires results to be an array of strings and hands them
// to the continuation.
func (c *Search) ParseResponse(data any) (bool, error) {
	v, err := field(data, "results")
	if err != nil {
		return false, err
	}
	items, ok := v.([]any)
	if !ok {
		return false, errors.Wrapf(ErrResponseSchema, "key \"results\" is %T, want array", v)
	}
	results := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return false, errors.Wrapf(ErrResponseSchema, "results[%d] is %T, want string", i, item)
		}
		results = append(results, s)
	}
	if c.then == nil {
		return false, nil
	}
	c.then(results)
	return true, nil
}
