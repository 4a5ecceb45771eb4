package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/index"
	"github.com/otcheredev/ris-dicom-store/internal/jobs"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/services"
	"github.com/otcheredev/ris-dicom-store/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

type fixture struct {
	env       *testutil.Env
	patient   string
	study     string
	instances []string
}

// newFixture stores one study with a CT series of two instances, an MR
// series and a series without modality nor description
func newFixture(t *testing.T) *fixture {
	env := testutil.NewEnv(t, index.DefaultOptions(), services.StoreOptions{})
	f := &fixture{env: env}

	common := models.DicomMap{
		models.TagPatientName:      "DOE^JOHN",
		models.TagAccessionNumber:  "A1",
		models.TagStudyDescription: "Chest",
	}
	add := func(series, sop string, extra models.DicomMap) {
		tags := common.Clone()
		tags.Merge(extra)
		res, err := env.StoreTags(t, testutil.Instance("P1", "1.2.3", series, sop, tags))
		require.NoError(t, err)
		f.patient = res.ParentPatient
		f.study = res.ParentStudy
		f.instances = append(f.instances, res.PublicID)
	}
	add("1.2.3.1", "1.2.3.1.1", models.DicomMap{models.TagModality: "CT", models.TagSeriesDescription: "Axial"})
	add("1.2.3.1", "1.2.3.1.2", models.DicomMap{models.TagModality: "CT", models.TagSeriesDescription: "Axial"})
	add("1.2.3.2", "1.2.3.2.1", models.DicomMap{models.TagModality: "MR"})
	add("1.2.3.3", "1.2.3.3.1", nil)
	return f
}

func runSteps(t *testing.T, j *Job) jobs.StepResult {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if r := j.Step(context.Background(), "test"); r.Code != jobs.StepContinue {
			return r
		}
	}
	t.Fatal("archive job did not complete")
	return jobs.StepResult{}
}

func zipEntries(t *testing.T, j *Job) map[string][]byte {
	t.Helper()
	out, ok := j.Output(OutputKey)
	require.True(t, ok)
	r, err := zip.OpenReader(out.Path)
	require.NoError(t, err)
	defer r.Close()

	entries := make(map[string][]byte)
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		entries[f.Name] = data
	}
	return entries
}

func names(entries map[string][]byte) []string {
	var out []string
	for name := range entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func TestArchiveStudy(t *testing.T) {
	f := newFixture(t)
	j := NewJob(f.env.Index, f.env.Files, false)
	j.SetTempDir(t.TempDir())
	require.NoError(t, j.AddResource(context.Background(), f.study))

	r := runSteps(t, j)
	require.Equal(t, jobs.StepSuccess, r.Code, "%v", r.Err)
	assert.Equal(t, 1.0, j.Progress())

	entries := zipEntries(t, j)
	assert.ElementsMatch(t, []string{
		"P1 DOE JOHN/A1 Chest/CT Axial/CT000000.dcm",
		"P1 DOE JOHN/A1 Chest/CT Axial/CT000001.dcm",
		"P1 DOE JOHN/A1 Chest/MR/MR000000.dcm",
		"P1 DOE JOHN/A1 Chest/Unknown Series/00000000.dcm",
	}, names(entries))

	for _, data := range entries {
		assert.True(t, bytes.Contains(data, []byte("DICM")))
	}

	content := j.Content()
	assert.Equal(t, 4, content["InstancesCount"])
	assert.Equal(t, false, content["Zip64"])
	assert.Equal(t, 0, content["SkippedInstances"])
	assert.Contains(t, content, "ArchiveSize")
}

func TestArchiveSkipsInstancesDeletedMidJob(t *testing.T) {
	f := newFixture(t)
	j := NewJob(f.env.Index, f.env.Files, false)
	j.SetTempDir(t.TempDir())
	require.NoError(t, j.AddResource(context.Background(), f.patient))

	// the first step plans the archive
	require.Equal(t, jobs.StepContinue, j.Step(context.Background(), "test").Code)
	_, err := f.env.Store.Delete(context.Background(), models.ResourceInstance, f.instances[0])
	require.NoError(t, err)

	r := runSteps(t, j)
	require.Equal(t, jobs.StepSuccess, r.Code, "%v", r.Err)
	assert.Len(t, zipEntries(t, j), 3)
	assert.Equal(t, 1, j.Content()["SkippedInstances"])
}

func TestArchiveUnknownResource(t *testing.T) {
	f := newFixture(t)
	j := NewJob(f.env.Index, f.env.Files, false)
	err := j.AddResource(context.Background(), "nope")
	assert.True(t, errcode.Is(err, errcode.UnknownResource))
}

func TestArchiveRejectsResourcesOnceStarted(t *testing.T) {
	f := newFixture(t)
	j := NewJob(f.env.Index, f.env.Files, false)
	j.SetTempDir(t.TempDir())
	require.NoError(t, j.AddResource(context.Background(), f.study))
	require.Equal(t, jobs.StepContinue, j.Step(context.Background(), "test").Code)

	err := j.AddResource(context.Background(), f.patient)
	assert.True(t, errcode.Is(err, errcode.BadSequenceOfCalls))
	j.Stop(jobs.StopCanceled)
}

func TestMediaArchive(t *testing.T) {
	f := newFixture(t)
	j := NewJob(f.env.Index, f.env.Files, true)
	j.SetTempDir(t.TempDir())
	require.NoError(t, j.AddResource(context.Background(), f.patient))

	r := runSteps(t, j)
	require.Equal(t, jobs.StepSuccess, r.Code, "%v", r.Err)
	assert.Equal(t, JobTypeMedia, j.Type())

	entries := zipEntries(t, j)
	assert.Equal(t, []string{"DICOMDIR", "IMAGES/IM0", "IMAGES/IM1", "IMAGES/IM2", "IMAGES/IM3"}, names(entries))

	dir := entries["DICOMDIR"]
	ds, err := dicom.Parse(bytes.NewReader(dir), int64(len(dir)), nil)
	require.NoError(t, err)
	seq, err := ds.FindElementByTag(tag.Tag{Group: 0x0004, Element: 0x1220})
	require.NoError(t, err)
	items, ok := seq.Value.GetValue().([]*dicom.SequenceItemValue)
	require.True(t, ok)
	// one patient, one study, three series and four images
	assert.Len(t, items, 9)

	rootValue := func(element uint16) uint32 {
		elem, err := ds.FindElementByTag(tag.Tag{Group: 0x0004, Element: element})
		require.NoError(t, err)
		v, ok := elem.Value.GetValue().([]int)
		require.True(t, ok)
		require.Len(t, v, 1)
		return uint32(v[0])
	}
	first, last := rootValue(0x1200), rootValue(0x1202)
	require.NotZero(t, first)
	assert.Equal(t, first, last)

	counts := make(map[string]int)
	childKind := map[string]string{"PATIENT": "STUDY", "STUDY": "SERIES", "SERIES": "IMAGE"}
	var follow func(offset uint32, kind string)
	follow = func(offset uint32, kind string) {
		for offset != 0 {
			rec := readDirectoryRecord(t, dir, offset)
			require.Equal(t, kind, rec.kind)
			counts[kind]++
			if next, ok := childKind[kind]; ok {
				require.NotZero(t, rec.lower, kind)
				follow(rec.lower, next)
			} else {
				assert.Zero(t, rec.lower)
			}
			offset = rec.next
		}
	}
	follow(first, "PATIENT")
	assert.Equal(t, map[string]int{"PATIENT": 1, "STUDY": 1, "SERIES": 3, "IMAGE": 4}, counts)
}

type directoryRecord struct {
	kind  string
	next  uint32
	lower uint32
}

// readDirectoryRecord decodes the explicit VR item found at offset in a DICOMDIR
func readDirectoryRecord(t *testing.T, data []byte, offset uint32) directoryRecord {
	t.Helper()
	pos := int(offset)
	require.Less(t, pos+8, len(data))
	require.Equal(t, []byte{0xfe, 0xff, 0x00, 0xe0}, data[pos:pos+4], "no item at %d", offset)
	pos += 8

	var rec directoryRecord
	for {
		require.LessOrEqual(t, pos+8, len(data))
		group := binary.LittleEndian.Uint16(data[pos:])
		element := binary.LittleEndian.Uint16(data[pos+2:])
		if group == 0xfffe && element == 0xe00d {
			return rec
		}
		vr := string(data[pos+4 : pos+6])
		valueStart := pos + 8
		length := int(binary.LittleEndian.Uint16(data[pos+6:]))
		switch vr {
		case "OB", "OW", "SQ", "UN", "UT", "UC", "UR":
			valueStart = pos + 12
			length = int(binary.LittleEndian.Uint32(data[pos+8:]))
		}
		value := data[valueStart : valueStart+length]
		if group == 0x0004 {
			switch element {
			case 0x1400:
				rec.next = binary.LittleEndian.Uint32(value)
			case 0x1420:
				rec.lower = binary.LittleEndian.Uint32(value)
			case 0x1430:
				rec.kind = strings.TrimRight(string(value), " ")
			}
		}
		pos = valueStart + length
	}
}

func TestCanceledArchiveRemovesTemporaryFile(t *testing.T) {
	f := newFixture(t)
	tmp := t.TempDir()
	j := NewJob(f.env.Index, f.env.Files, false)
	j.SetTempDir(tmp)
	require.NoError(t, j.AddResource(context.Background(), f.study))
	require.Equal(t, jobs.StepContinue, j.Step(context.Background(), "test").Code)

	files, err := os.ReadDir(tmp)
	require.NoError(t, err)
	require.Len(t, files, 1)

	j.Stop(jobs.StopCanceled)
	files, err = os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, files)

	_, ok := j.Output(OutputKey)
	assert.False(t, ok)
}

func TestArchiveResetRebuilds(t *testing.T) {
	f := newFixture(t)
	j := NewJob(f.env.Index, f.env.Files, false)
	j.SetTempDir(t.TempDir())
	require.NoError(t, j.AddResource(context.Background(), f.study))
	require.Equal(t, jobs.StepSuccess, runSteps(t, j).Code)

	require.NoError(t, j.Reset())
	assert.Equal(t, 0.0, j.Progress())
	require.Equal(t, jobs.StepSuccess, runSteps(t, j).Code)
	assert.Len(t, zipEntries(t, j), 4)
}

func TestSynchronousArchiveFailsOnDisconnect(t *testing.T) {
	f := newFixture(t)
	j := NewJob(f.env.Index, f.env.Files, false)
	j.SetTempDir(t.TempDir())
	require.NoError(t, j.AddResource(context.Background(), f.study))

	ctx, cancel := context.WithCancel(context.Background())
	j.SetSynchronousTarget(ctx)
	require.Equal(t, jobs.StepContinue, j.Step(context.Background(), "test").Code)
	cancel()

	r := j.Step(context.Background(), "test")
	assert.Equal(t, jobs.StepFailure, r.Code)
	assert.True(t, errcode.Is(r.Err, errcode.NetworkProtocol))
	j.Stop(jobs.StopFailure)
}

func TestArchiveThroughEngine(t *testing.T) {
	f := newFixture(t)
	engine := jobs.NewEngine(f.env.Index, jobs.Options{Workers: 1, HistorySize: 1, SavePeriod: time.Hour, RetryPeriod: 10 * time.Millisecond})
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	first := NewJob(f.env.Index, f.env.Files, false)
	first.SetTempDir(t.TempDir())
	require.NoError(t, first.AddResource(context.Background(), f.instances[2]))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := engine.SubmitAndWait(ctx, first, 0)
	require.NoError(t, err)

	out, err := engine.Output(id, OutputKey)
	require.NoError(t, err)
	assert.Equal(t, "application/zip", out.MimeType)
	assert.FileExists(t, out.Path)

	// the history keeps one job: the first archive is disposed of
	second := NewJob(f.env.Index, f.env.Files, false)
	second.SetTempDir(t.TempDir())
	require.NoError(t, second.AddResource(context.Background(), f.instances[3]))
	_, err = engine.SubmitAndWait(ctx, second, 0)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(out.Path)
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTreeAddAncestorReplacesChildren(t *testing.T) {
	tree := NewTree()
	patient := index.ResourceRef{Level: models.ResourcePatient, PublicID: "p"}
	study := index.ResourceRef{Level: models.ResourceStudy, PublicID: "s"}
	series := index.ResourceRef{Level: models.ResourceSeries, PublicID: "se"}

	tree.Add([]index.ResourceRef{patient, study, series})
	require.False(t, tree.root.children["p"].children["s"].expand)
	require.True(t, tree.root.children["p"].children["s"].children["se"].expand)

	tree.Add([]index.ResourceRef{patient, study})
	s := tree.root.children["p"].children["s"]
	assert.True(t, s.expand)
	assert.Empty(t, s.children)

	tree.Add([]index.ResourceRef{patient, study, series})
	assert.Empty(t, s.children)
}

func TestZip64Thresholds(t *testing.T) {
	assert.False(t, IsZip64Required(0, 0))
	assert.False(t, IsZip64Required(2<<30-64<<20-1, 65524))
	assert.True(t, IsZip64Required(2<<30-64<<20, 1))
	assert.True(t, IsZip64Required(1, 65525))
}

func TestForcedZip64(t *testing.T) {
	for _, zip64 := range []bool{false, true} {
		var buf bytes.Buffer
		w := newHierarchicalWriter(&buf, zip64)
		w.openDirectory("PATIENT")
		for i := 0; i < 3; i++ {
			_, err := w.writeFile("IM", bytes.Repeat([]byte{byte(i)}, 1000))
			require.NoError(t, err)
		}
		w.closeDirectory()
		require.NoError(t, w.close())

		data := buf.Bytes()
		assert.Equal(t, zip64, bytes.Contains(data, []byte("PK\x06\x06")), "zip64=%v", zip64)
		assert.Equal(t, zip64, bytes.Contains(data, []byte("PK\x06\x07")), "zip64=%v", zip64)

		r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		require.NoError(t, err)
		require.Len(t, r.File, 3)
		assert.Equal(t, "PATIENT/IM-3", r.File[2].Name)
		f, err := r.File[2].Open()
		require.NoError(t, err)
		content, err := io.ReadAll(f)
		f.Close()
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{2}, 1000), content)
	}
}

func TestArchiveAboveFilesLimitUsesZip64(t *testing.T) {
	if testing.Short() {
		t.Skip("writes tens of thousands of entries")
	}
	cmds := &commands{instances: zip64FilesLimit}
	require.True(t, cmds.isZip64())

	var buf bytes.Buffer
	w := newHierarchicalWriter(&buf, cmds.isZip64())
	for i := 0; i < zip64FilesLimit; i++ {
		_, err := w.writeFile("f", nil)
		require.NoError(t, err)
	}
	require.NoError(t, w.close())

	data := buf.Bytes()
	assert.True(t, bytes.Contains(data[len(data)-200:], []byte("PK\x06\x06")))
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Len(t, r.File, zip64FilesLimit)
}

func TestNaming(t *testing.T) {
	assert.Equal(t, "CT%06d.dcm", instanceFormat("ct"))
	assert.Equal(t, "X%07d.dcm", instanceFormat("X"))
	assert.Equal(t, "%08d.dcm", instanceFormat(""))
	assert.Equal(t, "Helene", toASCII("Hélène"))
	assert.Equal(t, "DOE JOHN", keepAlphanumeric("DOE^JOHN"))
	assert.Equal(t, "a b.c", keepAlphanumeric("  a  \t b/.c "))
}

func TestUniqueNames(t *testing.T) {
	var buf bytes.Buffer
	w := newHierarchicalWriter(&buf, false)
	w.openDirectory("dir")
	first, err := w.writeFile("file", []byte("1"))
	require.NoError(t, err)
	second, err := w.writeFile("file", []byte("2"))
	require.NoError(t, err)
	w.closeDirectory()
	w.openDirectory("dir")
	w.closeDirectory()
	require.NoError(t, w.close())

	assert.Equal(t, "dir/file", first)
	assert.Equal(t, "dir/file-2", second)
}
