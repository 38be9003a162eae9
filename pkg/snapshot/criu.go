package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/checkpoint-restore/go-criu/v7/crit"
	"github.com/checkpoint-restore/go-criu/v7/crit/images/fdinfo"
	"google.golang.org/protobuf/proto"
)

// ImportOptions controls how a CRIU image directory is converted.
type ImportOptions struct {
	// Comm is the process name to record. CRIU keeps it in the core image,
	// which this importer does not decode.
	Comm string

	// FdinfoImage selects the fdinfo-<id>.img to use. Defaults to the first
	// one in lexical order, which is the thread-group leader's table.
	FdinfoImage string

	// TTYName is recorded for terminal descriptors. Empty records them as
	// tty:[<tty_info_id>].
	TTYName string
}

// ImportCRIU builds a snapshot from the files.img and fdinfo images of a CRIU dump.
// Regular files keep their path, flags and mode. Pipes and sockets are recorded
// under their inherit-resource name so inherited stdio can still be matched,
// terminals under opts.TTYName, and every other kind as anon:[<type>] so the
// descriptor numbering stays dense.
func ImportCRIU(imagesDir string, opts ImportOptions) (*ProcessSnapshot, error) {
	files, err := loadFileEntries(filepath.Join(imagesDir, "files.img"), opts.TTYName)
	if err != nil {
		return nil, err
	}

	fdinfoPath := opts.FdinfoImage
	if fdinfoPath == "" {
		paths, err := filepath.Glob(filepath.Join(imagesDir, "fdinfo-*.img"))
		if err != nil {
			return nil, fmt.Errorf("failed to list fdinfo images: %w", err)
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("no fdinfo images found in %s", imagesDir)
		}
		sort.Strings(paths)
		fdinfoPath = paths[0]
	} else if !filepath.IsAbs(fdinfoPath) {
		fdinfoPath = filepath.Join(imagesDir, fdinfoPath)
	}

	img, err := decodeImage(fdinfoPath, &fdinfo.FdinfoEntry{})
	if err != nil {
		return nil, err
	}

	s := &ProcessSnapshot{Comm: opts.Comm}
	for _, entry := range img.Entries {
		fdEntry, ok := entry.Message.(*fdinfo.FdinfoEntry)
		if !ok {
			continue
		}
		file, ok := files[fdEntry.GetId()]
		if !ok {
			return nil, fmt.Errorf("fd %d references unknown file id %d", fdEntry.GetFd(), fdEntry.GetId())
		}
		file.FD = int(fdEntry.GetFd())
		s.Files = append(s.Files, file)
	}
	sort.Slice(s.Files, func(i, j int) bool { return s.Files[i].FD < s.Files[j].FD })

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// decodeImage decodes the CRIU image at path, whose entries are of entryType.
func decodeImage(path string, entryType proto.Message) (*crit.CriuImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	img, decodeErr := crit.New(f, nil, "", false, false).Decode(entryType)
	closeErr := f.Close()
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, decodeErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("failed to close %s: %w", path, closeErr)
	}
	return img, nil
}

func loadFileEntries(filesImagePath, ttyName string) (map[uint32]FileEntry, error) {
	img, err := decodeImage(filesImagePath, &fdinfo.FileEntry{})
	if err != nil {
		return nil, err
	}

	files := make(map[uint32]FileEntry, len(img.Entries))
	for _, entry := range img.Entries {
		fileEntry, ok := entry.Message.(*fdinfo.FileEntry)
		if !ok {
			continue
		}
		files[fileEntry.GetId()] = fileEntryToSnapshot(fileEntry, ttyName)
	}
	return files, nil
}

func fileEntryToSnapshot(fileEntry *fdinfo.FileEntry, ttyName string) FileEntry {
	if regEntry := fileEntry.GetReg(); regEntry != nil && regEntry.GetName() != "" {
		name := regEntry.GetName()
		if !strings.HasPrefix(name, "/") {
			name = "/" + name
		}
		return FileEntry{
			Name:  name,
			Flags: regEntry.GetFlags(),
			Mode:  regEntry.GetMode() & 0777,
		}
	}
	if pipeEntry := fileEntry.GetPipe(); pipeEntry != nil {
		return FileEntry{Name: fmt.Sprintf("pipe:[%d]", pipeEntry.GetPipeId())}
	}
	if socketEntry := fileEntry.GetUsk(); socketEntry != nil {
		return FileEntry{Name: fmt.Sprintf("socket:[%d]", socketEntry.GetIno())}
	}
	if ttyEntry := fileEntry.GetTty(); ttyEntry != nil || fileEntry.GetType() == fdinfo.FdTypes_TTY {
		if ttyName != "" {
			return FileEntry{Name: ttyName, Flags: ttyEntry.GetFlags()}
		}
		return FileEntry{Name: fmt.Sprintf("tty:[%d]", ttyEntry.GetTtyInfoId()), Flags: ttyEntry.GetFlags()}
	}
	return FileEntry{Name: fmt.Sprintf("anon:[%s]", strings.ToLower(fileEntry.GetType().String()))}
}
