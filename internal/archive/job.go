package archive

import (
	"context"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/otcheredev/ris-dicom-store/internal/accessor"
	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/index"
	"github.com/otcheredev/ris-dicom-store/internal/jobs"
	"github.com/otcheredev/ris-dicom-store/internal/parser"
	"github.com/otcheredev/ris-dicom-store/pkg/logger"
	"github.com/rs/zerolog"
)

const (
	JobTypeArchive = "Archive"
	JobTypeMedia   = "Media"

	// OutputKey names the produced ZIP among the job outputs
	OutputKey = "archive"

	mimeZip = "application/zip"
)

// Job writes a set of resources into a temporary ZIP file, one command per
// step. In media mode the instances are flattened into IMAGES/ and a
// DICOMDIR is appended.
type Job struct {
	idx   *index.Index
	files *accessor.Accessor
	media bool
	log   zerolog.Logger

	mu          sync.Mutex
	tempDir     string
	description string
	filename    string
	target      context.Context
	tree        *Tree
	started     bool

	cmds        *commands
	current     int
	skipped     int
	tmp         *os.File
	writer      *hierarchicalWriter
	dir         *dicomDir
	done        bool
	archiveSize int64
}

// NewJob creates an archive job. Media jobs produce a DICOM file-set.
func NewJob(idx *index.Index, files *accessor.Accessor, media bool) *Job {
	return &Job{
		idx:      idx,
		files:    files,
		media:    media,
		log:      logger.Component("archive"),
		tree:     NewTree(),
		filename: "archive.zip",
	}
}

// SetTempDir chooses where the ZIP is written, the system default if empty
func (j *Job) SetTempDir(dir string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tempDir = dir
}

func (j *Job) SetDescription(description string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.description = description
}

func (j *Job) SetFilename(filename string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.filename = filename
}

// SetSynchronousTarget binds the job to the request waiting for it. The job
// fails with NetworkProtocol once ctx ends.
func (j *Job) SetSynchronousTarget(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.target = ctx
}

// AddResource adds a resource and all of its descendants. It must be called
// before the job is submitted.
func (j *Job) AddResource(ctx context.Context, publicID string) error {
	j.mu.Lock()
	started := j.started
	j.mu.Unlock()
	if started {
		return errcode.New(errcode.BadSequenceOfCalls, "cannot add resources to a running archive job")
	}

	return j.idx.Apply(ctx, func(tx *index.Tx) error {
		path, err := ancestry(tx, publicID)
		if err != nil {
			return err
		}
		j.mu.Lock()
		j.tree.Add(path)
		j.mu.Unlock()
		return nil
	})
}

func (j *Job) Type() string {
	if j.media {
		return JobTypeMedia
	}
	return JobTypeArchive
}

func (j *Job) Step(ctx context.Context, jobID string) jobs.StepResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = true

	if j.target != nil && j.target.Err() != nil {
		return jobs.Failure(errcode.New(errcode.NetworkProtocol, "the client waiting for the archive has disconnected"))
	}

	if j.cmds == nil {
		if err := j.prepare(ctx, jobID); err != nil {
			return jobs.Failure(err)
		}
		return jobs.Continue()
	}

	if j.current < len(j.cmds.list) {
		if err := j.execute(ctx, j.cmds.list[j.current]); err != nil {
			return jobs.Failure(err)
		}
		j.current++
		return jobs.Continue()
	}

	if err := j.finish(); err != nil {
		return jobs.Failure(err)
	}
	return jobs.Success()
}

func (j *Job) prepare(ctx context.Context, jobID string) error {
	if err := j.idx.Apply(ctx, j.tree.expand); err != nil {
		return err
	}
	cmds := compile(j.tree, j.media)

	tmp, err := os.CreateTemp(j.tempDir, "archive-*.zip")
	if err != nil {
		return errcode.Wrap(errcode.InternalError, err, "cannot create temporary archive")
	}

	j.cmds = cmds
	j.tmp = tmp
	j.writer = newHierarchicalWriter(tmp, cmds.isZip64())
	if j.media {
		j.dir = newDicomDir()
	}

	j.log.Info().
		Str("job", jobID).
		Int("instances", cmds.instances).
		Str("uncompressed", humanize.IBytes(uint64(cmds.uncompressedSize))).
		Bool("zip64", cmds.isZip64()).
		Msg("Creating archive")
	return nil
}

func (j *Job) execute(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case cmdOpenDirectory:
		j.writer.openDirectory(cmd.name)
	case cmdCloseDirectory:
		j.writer.closeDirectory()
	case cmdWriteInstance:
		data, err := j.files.Read(ctx, cmd.file)
		if err != nil {
			// deleted since the archive was planned
			j.log.Warn().Err(err).Str("instance", cmd.instanceID).Msg("Skipping instance missing from the storage area")
			j.skipped++
			return nil
		}
		name, err := j.writer.writeFile(cmd.name, data)
		if err != nil {
			return errcode.Wrap(errcode.InternalError, err, "cannot write to archive")
		}
		if j.dir != nil {
			parsed, err := parser.Parse(data)
			if err != nil {
				j.log.Warn().Err(err).Str("instance", cmd.instanceID).Msg("Instance left out of DICOMDIR")
				return nil
			}
			j.dir.add(MediaImagesFolder, baseName(name), parsed.Summary, parsed.SOPClassUID, parsed.TransferSyntax)
		}
	}
	return nil
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func (j *Job) finish() error {
	if j.dir != nil {
		data, err := j.dir.encode()
		if err != nil {
			return errcode.Wrap(errcode.InternalError, err, "cannot create DICOMDIR")
		}
		if _, err := j.writer.writeFile("DICOMDIR", data); err != nil {
			return errcode.Wrap(errcode.InternalError, err, "cannot write DICOMDIR")
		}
	}
	if err := j.writer.close(); err != nil {
		return errcode.Wrap(errcode.InternalError, err, "cannot finalize archive")
	}
	info, err := j.tmp.Stat()
	if err != nil {
		return errcode.Wrap(errcode.InternalError, err, "cannot stat archive")
	}
	j.archiveSize = info.Size()
	if err := j.tmp.Close(); err != nil {
		return errcode.Wrap(errcode.InternalError, err, "cannot close archive")
	}
	j.done = true
	return nil
}

func (j *Job) Stop(reason jobs.StopReason) {
	if reason != jobs.StopCanceled && reason != jobs.StopFailure {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cleanupLocked()
}

func (j *Job) cleanupLocked() {
	if j.tmp == nil {
		return
	}
	path := j.tmp.Name()
	if !j.done {
		_ = j.tmp.Close()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		j.log.Warn().Err(err).Str("path", path).Msg("Cannot remove temporary archive")
	}
	j.tmp = nil
	j.writer = nil
	j.done = false
}

// Reset restarts the archive from scratch, keeping the requested resources
func (j *Job) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cleanupLocked()
	for _, child := range j.tree.root.children {
		resetNode(child)
	}
	j.cmds = nil
	j.current = 0
	j.skipped = 0
	j.dir = nil
	j.archiveSize = 0
	return nil
}

// resetNode drops the children loaded by a previous expansion
func resetNode(n *node) {
	if n.expand {
		n.children = make(map[string]*node)
		n.file.UUID = ""
		return
	}
	for _, c := range n.children {
		resetNode(c)
	}
}

// Dispose removes the temporary file
func (j *Job) Dispose() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cleanupLocked()
}

func (j *Job) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done {
		return 1
	}
	if j.cmds == nil {
		return 0
	}
	return float64(j.current) / float64(len(j.cmds.list)+1)
}

func (j *Job) Content() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	content := map[string]interface{}{
		"Description": j.description,
	}
	if j.cmds != nil {
		content["InstancesCount"] = j.cmds.instances
		content["UncompressedSize"] = j.cmds.uncompressedSize
		content["UncompressedSizeMB"] = j.cmds.uncompressedSize / (1024 * 1024)
		content["Zip64"] = j.cmds.isZip64()
		content["SkippedInstances"] = j.skipped
	}
	if j.done {
		content["ArchiveSize"] = j.archiveSize
		content["ArchiveSizeMB"] = j.archiveSize / (1024 * 1024)
	}
	return content
}

func (j *Job) Output(key string) (jobs.Output, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if key != OutputKey || !j.done || j.tmp == nil {
		return jobs.Output{}, false
	}
	return jobs.Output{Path: j.tmp.Name(), MimeType: mimeZip, Filename: j.filename}, true
}
