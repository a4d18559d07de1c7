// Package format defines the markdown-to-rich-text formatter collaborator
// named by spec §1 as an external, out-of-scope system: the transport
// layer needs a narrow contract to turn an agent's markdown reply into
// whatever rich-text dialect its outbound API expects.
//
// Kept as an interface plus a Passthrough implementation per the system
// prompt's "treated as external collaborator" scoping for this component.
package format

// Formatter converts markdown text into a transport's native rich-text
// representation.
type Formatter interface {
	Format(markdown string) string
}

// Passthrough returns markdown unchanged, for transports with no rich-text
// formatting step configured.
type Passthrough struct{}

// Format returns markdown unchanged.
func (Passthrough) Format(markdown string) string { return markdown }
