package machine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// File はリモートツリー内の1ファイルです。Path はルートからの相対パスです。
type File struct {
	Path   string
	Size   int64
	SHA256 string
}

// RemoteFiles はマシン上のディレクトリツリーを列挙します。
type RemoteFiles struct {
	exec Executor
}

// NewRemoteFiles は RemoteFiles を作成します。
func NewRemoteFiles(exec Executor) *RemoteFiles {
	return &RemoteFiles{exec: exec}
}

// List は root 以下の通常ファイルをサイズとSHA-256付きで返します。Unix のみ対応します。
func (f *RemoteFiles) List(ctx context.Context, root string) ([]File, error) {
	if f.exec.Platform() != PlatformUnix {
		return nil, fmt.Errorf("remote file listing is not supported on %s", f.exec.Platform())
	}
	quoted := shellQuote(root)

	sizes, err := f.run(ctx, fmt.Sprintf("cd %s && find . -type f -printf '%%s\\t%%P\\n'", quoted))
	if err != nil {
		return nil, err
	}
	sums, err := f.run(ctx, fmt.Sprintf("cd %s && find . -type f -exec sha256sum {} +", quoted))
	if err != nil {
		return nil, err
	}

	files := map[string]*File{}
	for _, line := range sizes.Lines() {
		sizeText, path, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		size, err := strconv.ParseInt(sizeText, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unexpected find output %q", line)
		}
		files[path] = &File{Path: path, Size: size}
	}
	for _, line := range sums.Lines() {
		sum, path, ok := strings.Cut(line, "  ")
		if !ok {
			continue
		}
		path = strings.TrimPrefix(path, "./")
		if file, ok := files[path]; ok {
			file.SHA256 = sum
		}
	}

	out := make([]File, 0, len(files))
	for _, file := range files {
		out = append(out, *file)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *RemoteFiles) run(ctx context.Context, command string) (*Result, error) {
	res, err := f.exec.Execute(ctx, command)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%s: exit %d: %s", command, res.ExitCode, strings.TrimSpace(res.Output))
	}
	return res, nil
}
