package callinterceptor

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rglonek/logger"

	"sip-call-interceptor/pkg/blockstore"
)

type numberList struct {
	fileName string
	numbers  map[string]number
}

type number struct {
	lineNumber int
	comment    string
}

// listImporter loads the block-list files into the store and keeps the allow
// list in memory.
type listImporter struct {
	config     ConfigBlockList
	store      *blockstore.Store
	normalize  func(string) string
	log        *logger.Logger
	parserLock sync.Mutex // only one parser at a time, all others will be blocked and queued

	allowLock    sync.RWMutex
	allowNumbers map[string]struct{}
}

func newListImporter(config ConfigBlockList, store *blockstore.Store, normalize func(string) string, log *logger.Logger) *listImporter {
	return &listImporter{
		config:    config,
		store:     store,
		normalize: normalize,
		log:       log,
	}
}

func (li *listImporter) parseNumberLists() error {
	li.parserLock.Lock()
	defer li.parserLock.Unlock()

	blockLists, err := li.parseNumberList(li.config.ImportPaths)
	if err != nil {
		return err
	}

	allowLists, err := li.parseNumberList(li.config.AllowPaths)
	if err != nil {
		return err
	}

	entries := make(map[string]blockstore.Entry)
	for _, bl := range blockLists {
		for n, val := range bl.numbers {
			if _, ok := entries[n]; ok {
				continue
			}
			entries[n] = blockstore.Entry{
				Source:  bl.fileName,
				Line:    val.lineNumber,
				Comment: val.comment,
			}
		}
	}
	if err := li.store.ReplaceImported(entries); err != nil {
		return err
	}

	allow := make(map[string]struct{})
	for _, al := range allowLists {
		for n := range al.numbers {
			allow[n] = struct{}{}
		}
	}
	li.allowLock.Lock()
	li.allowNumbers = allow
	li.allowLock.Unlock()

	li.log.Info("Imported %d block-listed and %d allow-listed numbers", len(entries), len(allow))
	return nil
}

func (li *listImporter) isAllowed(callerID string) bool {
	li.allowLock.RLock()
	defer li.allowLock.RUnlock()
	_, ok := li.allowNumbers[callerID]
	return ok
}

func (li *listImporter) parseNumberList(paths []string) (newList []*numberList, err error) {
	for _, path := range paths {
		fileInfo, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("could not access path %s: %v", path, err)
		}

		if fileInfo.IsDir() {
			err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if !info.IsDir() {
					bl, err := li.parseFile(filePath)
					if err != nil {
						return fmt.Errorf("error parsing file %s: %v", filePath, err)
					}
					newList = append(newList, bl)
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("error walking directory %s: %v", path, err)
			}
		} else {
			bl, err := li.parseFile(path)
			if err != nil {
				return nil, fmt.Errorf("error parsing file %s: %v", path, err)
			}
			newList = append(newList, bl)
		}
	}

	return newList, nil
}

func (li *listImporter) parseFile(filePath string) (*numberList, error) {
	log := li.log.WithPrefix(fmt.Sprintf("parseFile: %s: ", filePath))
	newList := &numberList{
		fileName: filePath,
		numbers:  make(map[string]number),
	}
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		lineSplit := strings.SplitN(line, "#", 2)
		line = strings.TrimSpace(lineSplit[0])
		if line == "" {
			continue
		}
		comment := ""
		if len(lineSplit) > 1 {
			comment = strings.TrimSpace(lineSplit[1])
		}

		if li.normalize != nil {
			line = li.normalize(line)
		} else if !strings.HasPrefix(line, "+") {
			log.Warn("Number in file %s line %d does not start with +: %s", filePath, lineNo, line)
		}

		if val, ok := newList.numbers[line]; ok {
			log.Warn("Ignoring duplicate number on line number %d (first seen on line %d) in file %s", lineNo, val.lineNumber, filePath)
		} else {
			newList.numbers[line] = number{
				lineNumber: lineNo,
				comment:    comment,
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return newList, nil
}
