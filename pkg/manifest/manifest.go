// Package manifest sanitises and parses the vendor's binary-distributed XML
// asset manifest (LatestFileList).
package manifest

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aurorium/patchmirror/pkg/asset"
)

// ErrParse is returned when the raw manifest is not well-formed XML.
var ErrParse = errors.New("malformed manifest document")

// droppedTopLevel names the top-level children sanitise discards; they
// carry no asset records and are not forward-compatible across revisions.
var droppedTopLevel = map[string]bool{
	"_TableList": true,
	"About":      true,
}

// node is a minimal in-memory tree used to re-serialise the document
// structurally. encoding/xml's Decoder gives token-level access, which is
// what sanitise needs to reproduce the original's tree walk without ever
// depending on a particular attribute/namespace model.
type node struct {
	tag      string
	text     string
	children []*node
}

// Sanitise re-serialises raw into a document rooted at <LatestFileList>,
// keeping only top-level children whose tag is neither _TableList nor
// About. Comments and processing instructions are discarded; text content
// is copied verbatim without re-encoding entities.
func Sanitise(raw []byte) (string, error) {
	root, err := parseTree(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrParse, err)
	}

	var b strings.Builder

	b.WriteString("<?xml version=\"1.0\" ?>\n<LatestFileList>\n")

	for _, child := range root.children {
		if droppedTopLevel[child.tag] {
			continue
		}

		writeNode(&b, child)
		b.WriteByte('\n')
	}

	b.WriteString("</LatestFileList>")

	return b.String(), nil
}

// parseTree reads raw into a tree of the document's single root element,
// ignoring comments, processing instructions and the XML prolog.
func parseTree(raw []byte) (*node, error) {
	dec := xml.NewDecoder(strings.NewReader(string(raw)))

	var (
		root  *node
		stack []*node
	)

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{tag: t.Name.Local}

			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			} else if root == nil {
				root = n
			}

			stack = append(stack, n)
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text += string(t)
			}
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if root == nil {
		return nil, fmt.Errorf("no root element found")
	}

	return root, nil
}

func writeNode(b *strings.Builder, n *node) {
	b.WriteByte('<')
	b.WriteString(n.tag)
	b.WriteByte('>')

	for _, child := range n.children {
		writeNode(b, child)
	}

	b.WriteString(n.text)

	b.WriteString("</")
	b.WriteString(n.tag)
	b.WriteByte('>')
}

// ParseManifest parses a sanitised document and returns the wad and
// non-wad (util) assets it contains, in document order. Each top-level
// element is treated as a zone; RECORD children within it become Assets.
// Missing numeric fields default to zero, missing strings to "".
func ParseManifest(sanitised string) (wads, utils []asset.Asset, err error) {
	root, err := parseTree([]byte(sanitised))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	var records []asset.Asset

	for _, zone := range root.children {
		for _, child := range zone.children {
			if child.tag != "RECORD" {
				continue
			}

			records = append(records, extractRecord(child))
		}
	}

	for _, rec := range records {
		if strings.HasSuffix(rec.Filename, ".wad") {
			wads = append(wads, rec)
		} else {
			utils = append(utils, rec)
		}
	}

	return wads, utils, nil
}

func extractRecord(record *node) asset.Asset {
	var a asset.Asset

	for _, child := range record.children {
		text := strings.TrimSpace(child.text)

		switch child.tag {
		case "SrcFileName":
			a.Filename = text
		case "FileType":
			a.FileType = text
		case "Size":
			a.Size = parseUint(text)
		case "HeaderSize":
			a.HeaderSize = parseUint(text)
		case "CompressedHeaderSize":
			a.CompressedHeaderSize = parseUint(text)
		case "CRC":
			a.CRC = parseUint(text)
		case "HeaderCRC":
			a.HeaderCRC = parseUint(text)
		}
	}

	return a
}

func parseUint(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}

	return v
}
