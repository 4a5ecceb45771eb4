package archive

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// MediaImagesFolder holds the instances of a DICOM media export
	MediaImagesFolder = "IMAGES"

	zip64SafetyMargin = 64 << 20
	zip64SizeLimit    = 2<<30 - zip64SafetyMargin
	zip64FilesLimit   = 65535 - 10
)

// IsZip64Required reports whether an archive with that payload needs the
// ZIP64 format. The margins leave room for the DICOMDIR and directories.
func IsZip64Required(uncompressedSize int64, instances int) bool {
	return uncompressedSize >= zip64SizeLimit || instances >= zip64FilesLimit
}

type commandKind int

const (
	cmdOpenDirectory commandKind = iota
	cmdCloseDirectory
	cmdWriteInstance
)

type command struct {
	kind       commandKind
	name       string
	instanceID string
	file       models.FileInfo
}

// commands is the flat program executed one entry per job step
type commands struct {
	list             []command
	uncompressedSize int64
	instances        int
}

func (c *commands) openDirectory(name string) {
	c.list = append(c.list, command{kind: cmdOpenDirectory, name: name})
}

func (c *commands) closeDirectory() {
	c.list = append(c.list, command{kind: cmdCloseDirectory})
}

func (c *commands) writeInstance(name string, n *node) {
	c.list = append(c.list, command{kind: cmdWriteInstance, name: name, instanceID: n.publicID, file: n.file})
	c.uncompressedSize += n.file.UncompressedSize
	c.instances++
}

func (c *commands) isZip64() bool {
	return IsZip64Required(c.uncompressedSize, c.instances)
}

// archiveVisitor names directories after the main tags of each level and
// instances after the modality of their series
type archiveVisitor struct {
	cmds    *commands
	format  string
	counter int
}

func (v *archiveVisitor) open(n *node) {
	var path string
	switch n.level {
	case models.ResourcePatient:
		path = n.tags.Value(models.TagPatientID) + " " + n.tags.Value(models.TagPatientName)
	case models.ResourceStudy:
		path = n.tags.Value(models.TagAccessionNumber) + " " + n.tags.Value(models.TagStudyDescription)
	case models.ResourceSeries:
		modality := n.tags.Value(models.TagModality)
		path = modality + " " + n.tags.Value(models.TagSeriesDescription)
		v.format = instanceFormat(modality)
		v.counter = 0
	}

	path = strings.TrimSpace(toASCII(path))
	if path == "" {
		path = "Unknown " + n.level.String()
	}
	v.cmds.openDirectory(path)
}

func (v *archiveVisitor) close() {
	v.cmds.closeDirectory()
}

func (v *archiveVisitor) addInstance(n *node) {
	format := v.format
	if format == "" {
		format = "%08d.dcm"
	}
	v.cmds.writeInstance(fmt.Sprintf(format, v.counter), n)
	v.counter++
}

// instanceFormat keeps file names at eight characters plus extension: the
// first letters of the modality followed by a zero-padded counter
func instanceFormat(modality string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(toASCII(modality)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	m := b.String()
	switch {
	case len(m) == 0:
		return "%08d.dcm"
	case len(m) == 1:
		return m[:1] + "%07d.dcm"
	default:
		return m[:2] + "%06d.dcm"
	}
}

// mediaVisitor puts every instance in one folder with file-set compatible
// names of at most eight characters
type mediaVisitor struct {
	cmds    *commands
	counter int
}

func (v *mediaVisitor) open(n *node) {}

func (v *mediaVisitor) close() {}

func (v *mediaVisitor) addInstance(n *node) {
	name := fmt.Sprintf("IM%d", v.counter)
	if len(name) > 8 {
		log.Warn().Str("name", name).Msg("Media file name exceeds eight characters")
	}
	v.cmds.writeInstance(name, n)
	v.counter++
}

func compile(tree *Tree, media bool) *commands {
	cmds := &commands{}
	if media {
		cmds.openDirectory(MediaImagesFolder)
		tree.apply(&mediaVisitor{cmds: cmds})
		cmds.closeDirectory()
	} else {
		tree.apply(&archiveVisitor{cmds: cmds})
	}
	return cmds
}

// toASCII removes diacritics and drops the remaining non-ASCII characters
func toASCII(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(t, s); err == nil {
		s = folded
	}
	var b strings.Builder
	for _, r := range s {
		if r < 0x80 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
