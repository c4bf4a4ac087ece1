// Package nacti reads the North American Camera Trap Images (NACTI) dataset:
// a directory of camera-trap photos plus a COCO-style metadata file with
// index-aligned `images` and `annotations` arrays.
//
// Category ids from the metadata are remapped at access time through a label
// table, either to the binary animal/not-animal labels used by the empty-frame
// filter models, or to a dense multi-class label set.
package nacti

import (
	"encoding/json"
	"image"
	"os"
	"path"
	"sort"

	_ "image/jpeg"
	_ "image/png"

	"github.com/pkg/errors"
)

// MetadataFileName is the annotation file expected inside the data directory.
const MetadataFileName = "nacti_metadata.json"

// LabelType selects how raw NACTI category ids are remapped to training labels.
type LabelType string

const (
	// LabelBinary remaps categories to 0 (not an animal) or 1 (animal).
	LabelBinary LabelType = "binary"
	// LabelMulti remaps the category ids present in the metadata to a dense
	// 0..K-1 class set.
	LabelMulti LabelType = "multi"
)

// Binary is the NACTI category→label table for the animal/not-animal task.
// Categories 16 ("empty") and 68 ("vehicle") are not animals.
var Binary = map[int]int{
	1: 1, 3: 1, 4: 1, 5: 1, 6: 1, 7: 1, 9: 1, 10: 1, 11: 1, 12: 1, 13: 1,
	14: 1, 15: 1, 16: 0, 17: 1, 18: 1, 19: 1, 21: 1, 22: 1, 23: 1, 24: 1,
	26: 1, 27: 1, 28: 1, 29: 1, 30: 1, 31: 1, 32: 1, 33: 1, 34: 1, 35: 1,
	36: 1, 37: 1, 38: 1, 40: 1, 41: 1, 42: 1, 43: 1, 44: 1, 46: 1, 47: 1,
	50: 1, 53: 1, 54: 1, 55: 1, 56: 1, 57: 1, 58: 1, 59: 1, 60: 1, 62: 1,
	63: 1, 64: 1, 65: 1, 66: 1, 67: 1, 68: 0, 69: 1, 70: 1,
}

// Transform is applied to a decoded image before it is returned by Item,
// typically resizing it to the shape the model consumes.
type Transform func(img image.Image) image.Image

type metadataImage struct {
	FileName string `json:"file_name"`
}

type metadataAnnotation struct {
	CategoryID int `json:"category_id"`
}

type metadata struct {
	Images      []metadataImage      `json:"images"`
	Annotations []metadataAnnotation `json:"annotations"`
}

// Dataset indexes the annotated images of one NACTI directory.
// It is cheap to create: images are decoded lazily, one Item at a time.
type Dataset struct {
	dataDir    string
	files      []string
	categories []int
	labelMap   map[int]int
	numClasses int
	transform  Transform
}

// New loads the metadata file under dataDir and prepares the label table for
// the given labelType. The label table must cover every category id that
// appears in the metadata; a missing entry is an error here, before any image
// is touched. An unrecognized labelType is also rejected here.
//
// transform may be nil, in which case images are returned as decoded.
func New(dataDir string, labelType LabelType, transform Transform) (*Dataset, error) {
	metadataPath := path.Join(dataDir, MetadataFileName)
	contents, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read NACTI metadata from %q", metadataPath)
	}
	var meta metadata
	if err := json.Unmarshal(contents, &meta); err != nil {
		return nil, errors.Wrapf(err, "failed to parse NACTI metadata in %q", metadataPath)
	}
	if len(meta.Images) != len(meta.Annotations) {
		return nil, errors.Errorf(
			"NACTI metadata in %q has %d images but %d annotations, they must be index-aligned",
			metadataPath, len(meta.Images), len(meta.Annotations))
	}

	ds := &Dataset{
		dataDir:    dataDir,
		files:      make([]string, 0, len(meta.Images)),
		categories: make([]int, 0, len(meta.Annotations)),
		transform:  transform,
	}
	for _, img := range meta.Images {
		ds.files = append(ds.files, img.FileName)
	}
	for _, annotation := range meta.Annotations {
		ds.categories = append(ds.categories, annotation.CategoryID)
	}

	switch labelType {
	case LabelBinary:
		ds.labelMap = Binary
		ds.numClasses = 1
	case LabelMulti:
		ds.labelMap = denseRemap(ds.categories)
		ds.numClasses = len(ds.labelMap)
	default:
		return nil, errors.Errorf(
			"unknown label type %q for NACTI dataset, valid values are %q or %q",
			labelType, LabelBinary, LabelMulti)
	}

	// The label map must be total over the metadata's category ids: a lookup
	// miss at access time would silently yield a zero label.
	for idx, category := range ds.categories {
		if _, found := ds.labelMap[category]; !found {
			return nil, errors.Errorf(
				"category id %d (annotation #%d in %q) has no entry in the %q label table",
				category, idx, metadataPath, labelType)
		}
	}
	return ds, nil
}

// denseRemap maps the distinct category ids to 0..K-1, in sorted id order so
// the assignment is stable across runs.
func denseRemap(categories []int) map[int]int {
	remap := make(map[int]int)
	for _, category := range categories {
		remap[category] = 0
	}
	ids := make([]int, 0, len(remap))
	for id := range remap {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for class, id := range ids {
		remap[id] = class
	}
	return remap
}

// Len returns the number of annotated images.
func (ds *Dataset) Len() int { return len(ds.files) }

// NumClasses is 1 for the binary task, otherwise the size of the dense class set.
func (ds *Dataset) NumClasses() int { return ds.numClasses }

// Label returns the remapped label for index idx without decoding the image.
func (ds *Dataset) Label(idx int) int {
	return ds.labelMap[ds.categories[idx]]
}

// Item decodes the image at index idx and returns it with its remapped label.
// A missing or corrupt image file is an error; there is no skip policy.
func (ds *Dataset) Item(idx int) (image.Image, int, error) {
	if idx < 0 || idx >= len(ds.files) {
		return nil, 0, errors.Errorf("index %d out of range, dataset has %d images", idx, len(ds.files))
	}
	imagePath := path.Join(ds.dataDir, ds.files[idx])
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to open image #%d", idx)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to decode image #%d (%q)", idx, imagePath)
	}
	if ds.transform != nil {
		img = ds.transform(img)
	}
	return img, ds.Label(idx), nil
}
