package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const fileVersion = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("journal: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("journal: CBOR decoder initialization failed: " + err.Error())
	}
}

// fileRecord 落盘格式, 私钥以 age 密文保存
type fileRecord struct {
	Key       string `cbor:"1,keyasint"`
	State     string `cbor:"2,keyasint"`
	Ref       string `cbor:"3,keyasint,omitempty"`
	Address   string `cbor:"4,keyasint,omitempty"`
	Public    string `cbor:"5,keyasint,omitempty"`
	Sealed    string `cbor:"6,keyasint,omitempty"`
	CreatedAt int64  `cbor:"7,keyasint"`
	ExpiresAt int64  `cbor:"8,keyasint,omitempty"`
}

type fileContents struct {
	Version   int          `cbor:"1,keyasint"`
	Recipient string       `cbor:"2,keyasint"`
	Entries   []fileRecord `cbor:"3,keyasint"`
}

// FileJournal 文件日志, 每次修改整体重写并原子替换
type FileJournal struct {
	path   string
	sealer *Sealer
	s      *entries
}

// OpenFileJournal 打开或创建日志文件
func OpenFileJournal(path string, sealer *Sealer, opts ...Option) (*FileJournal, error) {
	if sealer == nil {
		return nil, errors.New("journal: sealer is required")
	}
	o := buildOptions(opts)
	j := &FileJournal{path: path, sealer: sealer, s: newEntries(o.now)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return j, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading journal %s: %w", path, err)
	}
	if err := j.load(data); err != nil {
		return nil, fmt.Errorf("loading journal %s: %w", path, err)
	}
	return j, nil
}

func (j *FileJournal) load(data []byte) error {
	var contents fileContents
	if err := decMode.Unmarshal(data, &contents); err != nil {
		return err
	}
	if contents.Version != fileVersion {
		return fmt.Errorf("unsupported journal version %d", contents.Version)
	}
	for _, r := range contents.Entries {
		e := Entry{
			Key:       r.Key,
			State:     State(r.State),
			Ref:       r.Ref,
			Address:   r.Address,
			Public:    r.Public,
			CreatedAt: time.Unix(0, r.CreatedAt),
		}
		if r.ExpiresAt != 0 {
			e.ExpiresAt = time.Unix(0, r.ExpiresAt)
		}
		if r.Sealed != "" {
			secret, err := j.sealer.Open(r.Sealed)
			if err != nil {
				return fmt.Errorf("opening secret for %s: %w", r.Key, err)
			}
			e.Secret = string(secret)
		}
		j.s.data[e.Key] = e
	}
	return nil
}

func (j *FileJournal) Get(key string) (Entry, bool, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	e, ok, dirty := j.s.getLocked(key)
	if dirty {
		if err := j.persistLocked(); err != nil {
			return Entry{}, false, err
		}
	}
	return e, ok, nil
}

func (j *FileJournal) Put(e Entry) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	prev, existed := j.s.data[e.Key]
	j.s.putLocked(e)
	if err := j.persistLocked(); err != nil {
		if existed {
			j.s.data[e.Key] = prev
		} else {
			delete(j.s.data, e.Key)
		}
		return err
	}
	return nil
}

func (j *FileJournal) Delete(key string) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	prev, existed := j.s.data[key]
	if !existed {
		return nil
	}
	delete(j.s.data, key)
	if err := j.persistLocked(); err != nil {
		j.s.data[key] = prev
		return err
	}
	return nil
}

func (j *FileJournal) List() ([]Entry, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	return j.s.listLocked(), nil
}

// persistLocked 写临时文件后 rename, 调用方需持有锁
func (j *FileJournal) persistLocked() error {
	contents := fileContents{Version: fileVersion, Recipient: j.sealer.Recipient()}
	for _, e := range j.s.listLocked() {
		r := fileRecord{
			Key:       e.Key,
			State:     string(e.State),
			Ref:       e.Ref,
			Address:   e.Address,
			Public:    e.Public,
			CreatedAt: e.CreatedAt.UnixNano(),
		}
		if !e.ExpiresAt.IsZero() {
			r.ExpiresAt = e.ExpiresAt.UnixNano()
		}
		if e.Secret != "" {
			sealed, err := j.sealer.Seal([]byte(e.Secret))
			if err != nil {
				return fmt.Errorf("sealing secret for %s: %w", e.Key, err)
			}
			r.Sealed = sealed
		}
		contents.Entries = append(contents.Entries, r)
	}

	data, err := encMode.Marshal(contents)
	if err != nil {
		return fmt.Errorf("encoding journal: %w", err)
	}

	dir := filepath.Dir(j.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating journal dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".journal-*")
	if err != nil {
		return fmt.Errorf("creating temp journal: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp journal: %w", err)
	}
	if err := os.Rename(tmpName, j.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing journal: %w", err)
	}
	return nil
}
