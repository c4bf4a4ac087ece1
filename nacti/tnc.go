package nacti

import (
	"image"

	"github.com/pkg/errors"
)

// ErrNotImplemented is returned by dataset variants that are placeholders for
// formats not yet supported.
var ErrNotImplemented = errors.New("not implemented")

// TNC is a placeholder for The Nature Conservancy's camera-trap collection,
// which ships its annotations in a different JSON layout. Every accessor
// fails with ErrNotImplemented; it exists so configs can already name the
// dataset without silently yielding empty data.
type TNC struct {
	dataDir  string
	jsonFile string
}

// NewTNC records where the TNC data would be read from.
func NewTNC(dataDir, jsonFile string) *TNC {
	return &TNC{dataDir: dataDir, jsonFile: jsonFile}
}

// Len fails: the TNC annotation format is not supported yet.
func (t *TNC) Len() (int, error) {
	return 0, errors.WithMessagef(ErrNotImplemented, "TNC dataset in %q", t.dataDir)
}

// Item fails: the TNC annotation format is not supported yet.
func (t *TNC) Item(idx int) (image.Image, int, error) {
	return nil, 0, errors.WithMessagef(ErrNotImplemented, "TNC dataset in %q", t.dataDir)
}
