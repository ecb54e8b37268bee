package syncmsg

import "fmt"

// Field names a Content member for validation.
type Field string

const (
	FieldPath        Field = "path"
	FieldOldPath     Field = "oldPath"
	FieldMode        Field = "mode"
	FieldSourceList  Field = "sourceList"
	FieldChecksums   Field = "checksums"
	FieldDiffs       Field = "diffs"
	FieldSyncedPaths Field = "syncedPaths"
)

// ErrInvalidContent reports a frame whose content is missing a required
// field. Answered on the wire with a CONTENT error.
type ErrInvalidContent struct {
	Msg   *Message
	Field Field
}

func (e *ErrInvalidContent) Error() string {
	return fmt.Sprintf("syncmsg: %s missing required field %q", e.Msg, e.Field)
}

// Validate checks that the content carries every required field. A nil
// content with any requirement fails on the first field. List fields must
// be non-nil; empty lists are legitimate (an empty directory has an empty
// source list).
func (m *Message) Validate(required ...Field) error {
	for _, f := range required {
		if m.Content == nil {
			return &ErrInvalidContent{Msg: m, Field: f}
		}
		ok := true
		switch f {
		case FieldPath:
			ok = m.Content.Path != ""
		case FieldOldPath:
			ok = m.Content.OldPath != ""
		case FieldMode:
			switch m.Content.Mode {
			case ModeCreate, ModeRename, ModeDelete:
			default:
				ok = false
			}
		case FieldSourceList:
			ok = m.Content.SourceList != nil
		case FieldChecksums:
			ok = m.Content.Checksums != nil
		case FieldDiffs:
			ok = m.Content.Diffs != nil
		case FieldSyncedPaths:
			ok = m.Content.SyncedPaths != nil
		}
		if !ok {
			return &ErrInvalidContent{Msg: m, Field: f}
		}
	}
	return nil
}

// FormatError is the reply for a frame that could not be parsed at all.
func FormatError(detail string) *Message {
	return Error(NameFormat, &Content{Error: detail})
}

// ContentError is the reply for a parsed frame with invalid content.
func ContentError(detail string) *Message {
	return Error(NameContent, &Content{Error: detail})
}

// ImplError is the reply for a frame that is valid but arrives in a state
// where the protocol does not allow it.
func ImplError(detail string) *Message {
	return Error(NameImpl, &Content{Error: detail})
}
