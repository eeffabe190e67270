package filemgr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"bptdb/src/page"
)

// MaxTables is the number of table slots a FileManager manages. Table ids
// run 1..MaxTables; 0 is reserved as invalid.
const MaxTables = 10

var (
	// ErrIO is returned when a page read or write came up short.
	ErrIO = errors.New("short page transfer")

	// ErrOutOfSlots is returned when every table slot is taken.
	ErrOutOfSlots = errors.New("no free table slot")

	// ErrInvalidTable is returned for operations on an unopened table id.
	ErrInvalidTable = errors.New("invalid table id")
)

type tableFile struct {
	file *os.File
	path string
}

// FileManager binds table ids to open table files and performs whole-page
// synchronous I/O at absolute offsets. Every write is followed by an fsync:
// the engine has no other durability mechanism, so crash safety of a
// completed operation rests on each page reaching disk before the next.
type FileManager struct {
	mu     sync.Mutex
	tables [MaxTables + 1]*tableFile
	logger *zap.SugaredLogger
}

// NewFileManager creates a new file manager
func NewFileManager(logger *zap.SugaredLogger) *FileManager {
	return &FileManager{logger: logger}
}

// Open opens or creates the table file at path and returns its table id.
// Reopening a path that is already open returns the same id. A freshly
// created file gets an initialized header page. The file is flock'd
// exclusively so a second engine process cannot corrupt it.
func (fm *FileManager) Open(path string) (int, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	emptyID := 0
	for id := MaxTables; id >= 1; id-- {
		if fm.tables[id] != nil {
			if fm.tables[id].path == path {
				return id, nil
			}
		} else {
			emptyID = id
		}
	}

	if emptyID == 0 {
		return -1, fmt.Errorf("opening %s: %w", path, ErrOutOfSlots)
	}

	created := false
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0777)
		if err != nil {
			return -1, fmt.Errorf("could not create table file %s: %w", path, err)
		}
		created = true
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		return -1, fmt.Errorf("table file %s is locked by another process: %w", path, err)
	}

	fm.tables[emptyID] = &tableFile{file: file, path: path}

	if created {
		var header page.Page
		header.InitHeader()
		if err := fm.writePageLocked(emptyID, 0, &header); err != nil {
			file.Close()
			fm.tables[emptyID] = nil
			return -1, fmt.Errorf("could not initialize header of %s: %w", path, err)
		}
		fm.logger.Infof("Created table file %s as table %d", path, emptyID)
	} else {
		fm.logger.Infof("Opened table file %s as table %d", path, emptyID)
	}

	return emptyID, nil
}

// Extend grows the table file by one page and returns the new page number.
// If header is non-nil the page count is updated in that in-memory copy
// (the buffer pool owns the header page); otherwise the count is written
// through at its fixed offset and synced.
func (fm *FileManager) Extend(tableID int, header *page.Page) (page.Pagenum, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	tf, err := fm.table(tableID)
	if err != nil {
		return 0, err
	}

	end, err := tf.file.Seek(page.Size-1, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("could not seek to extend table %d: %w", tableID, err)
	}
	if _, err := tf.file.Write([]byte{0}); err != nil {
		return 0, fmt.Errorf("could not extend table %d: %w", tableID, err)
	}
	if err := tf.file.Sync(); err != nil {
		return 0, fmt.Errorf("could not sync extended table %d: %w", tableID, err)
	}

	totalPages := uint64(end+1) / page.Size
	newPage := page.Pagenum(totalPages - 1)

	if header != nil {
		header.SetTotalPages(totalPages)
	} else {
		var count [8]byte
		binary.LittleEndian.PutUint64(count[:], totalPages)
		if _, err := tf.file.WriteAt(count[:], 16); err != nil {
			return 0, fmt.Errorf("could not update page count of table %d: %w", tableID, err)
		}
		if err := tf.file.Sync(); err != nil {
			return 0, fmt.Errorf("could not sync page count of table %d: %w", tableID, err)
		}
	}

	fm.logger.Debugf("Extended table %d to %d pages", tableID, totalPages)
	return newPage, nil
}

// ReadPage reads page pn of the given table into dst.
func (fm *FileManager) ReadPage(tableID int, pn page.Pagenum, dst *page.Page) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	tf, err := fm.table(tableID)
	if err != nil {
		return err
	}

	n, err := tf.file.ReadAt(dst[:], int64(pn)*page.Size)
	if n < page.Size {
		return fmt.Errorf("read %d of %d bytes of page %d of table %d: %w: %v", n, page.Size, pn, tableID, ErrIO, err)
	}
	if err != nil {
		return fmt.Errorf("could not read page %d of table %d: %w", pn, tableID, err)
	}
	return nil
}

// WritePage writes src as page pn of the given table and syncs the file.
// Whole pages only; the format offers no guarantee about partially
// written pages.
func (fm *FileManager) WritePage(tableID int, pn page.Pagenum, src *page.Page) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.writePageLocked(tableID, pn, src)
}

func (fm *FileManager) writePageLocked(tableID int, pn page.Pagenum, src *page.Page) error {
	tf, err := fm.table(tableID)
	if err != nil {
		return err
	}

	n, err := tf.file.WriteAt(src[:], int64(pn)*page.Size)
	if n < page.Size {
		return fmt.Errorf("wrote %d of %d bytes of page %d of table %d: %w: %v", n, page.Size, pn, tableID, ErrIO, err)
	}
	if err != nil {
		return fmt.Errorf("could not write page %d of table %d: %w", pn, tableID, err)
	}
	if err := tf.file.Sync(); err != nil {
		return fmt.Errorf("could not sync page %d of table %d: %w", pn, tableID, err)
	}
	return nil
}

// Close closes the table file and frees its slot.
func (fm *FileManager) Close(tableID int) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	tf, err := fm.table(tableID)
	if err != nil {
		return err
	}

	if err := tf.file.Close(); err != nil {
		return fmt.Errorf("could not close table %d: %w", tableID, err)
	}
	fm.tables[tableID] = nil
	fm.logger.Infof("Closed table %d (%s)", tableID, tf.path)
	return nil
}

// OpenTables returns the ids of all currently open tables.
func (fm *FileManager) OpenTables() []int {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	var ids []int
	for id := 1; id <= MaxTables; id++ {
		if fm.tables[id] != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func (fm *FileManager) table(tableID int) (*tableFile, error) {
	if tableID < 1 || tableID > MaxTables || fm.tables[tableID] == nil {
		return nil, fmt.Errorf("table %d: %w", tableID, ErrInvalidTable)
	}
	return fm.tables[tableID], nil
}
