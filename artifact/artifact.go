package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"strings"
	"unicode"

	"github.com/jmgilman/go/errors"
)

// hashLen is the number of hex digits of the link digest kept in an ID.
const hashLen = 12

// maxSlugLen bounds the human readable prefix of an ID.
const maxSlugLen = 48

// ID uniquely identifies a downloadable artifact. It is safe to use as a
// single path segment.
type ID string

// NewID derives the ID for an artifact from its canonical link. The name and
// manufacturer only contribute a readable prefix; uniqueness comes from the
// link digest.
func NewID(link, name, manufacturer string) ID {
	sum := sha256.Sum256([]byte(CanonicalLink(link)))
	digest := hex.EncodeToString(sum[:])[:hashLen]

	slug := slugify(name + " " + manufacturer)
	if slug == "" {
		return ID(digest)
	}
	return ID(slug + "_" + digest)
}

// String returns the ID as a plain string.
func (id ID) String() string {
	return string(id)
}

// Validate reports whether the ID can be used as a file name.
func (id ID) Validate() error {
	s := string(id)
	if s == "" {
		return errors.New(errors.CodeInvalidInput, "artifact id must not be empty")
	}
	if s == "." || s == ".." {
		return errors.Newf(errors.CodeInvalidInput, "artifact id %q is reserved", s)
	}
	for _, r := range s {
		if r == '/' || r == '\\' || r == ':' || unicode.IsControl(r) {
			return errors.Newf(errors.CodeInvalidInput, "artifact id %q contains invalid character %q", s, r)
		}
	}
	return nil
}

// CanonicalLink normalizes a link so equivalent URLs hash identically. The
// scheme and host are lowercased and fragments are dropped. Links that do not
// parse are only trimmed.
func CanonicalLink(link string) string {
	link = strings.TrimSpace(link)
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return link
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// Kind distinguishes the two artifact families handled by the store.
type Kind int

const (
	// KindDocument is a datasheet PDF.
	KindDocument Kind = iota
	// KindImage is a manufacturer logo or part image.
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindDocument:
		return "document"
	case KindImage:
		return "image"
	default:
		return "unknown"
	}
}

// Descriptor carries the metadata an artifact is discovered with. It is
// everything needed to fetch the artifact and to record it once saved.
type Descriptor struct {
	ID            ID
	Name          string
	Manufacturer  string
	Description   string
	DatasheetLink string
	ImageLink     string
}

// NewDescriptor builds a descriptor whose ID is derived from the datasheet
// link.
func NewDescriptor(name, manufacturer, description, datasheetLink, imageLink string) Descriptor {
	return Descriptor{
		ID:            NewID(datasheetLink, name, manufacturer),
		Name:          name,
		Manufacturer:  manufacturer,
		Description:   description,
		DatasheetLink: datasheetLink,
		ImageLink:     imageLink,
	}
}

// Validate checks that the descriptor can be fetched.
func (d Descriptor) Validate() error {
	if err := d.ID.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(d.DatasheetLink) == "" {
		return errors.WithContext(
			errors.New(errors.CodeInvalidInput, "datasheet link must not be empty"),
			"id", string(d.ID),
		)
	}
	return nil
}

// ImageFileName returns the cache key for the descriptor's image, the last
// path segment of the image link. It is empty when there is no image.
func (d Descriptor) ImageFileName() string {
	link := strings.TrimSpace(d.ImageLink)
	if link == "" {
		return ""
	}
	if u, err := url.Parse(link); err == nil {
		link = u.Path
	}
	name := path.Base(link)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
