package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/worldgate/internal/util"
)

func (s *Server) handleStats(c *gin.Context) {
	byState := make(map[string]int)
	for state, n := range s.deps.Registry.CountByState() {
		byState[state.String()] = n
	}

	body := gin.H{
		"connections":          s.deps.Registry.Count(),
		"connections_by_state": byState,
		"sessions":             s.deps.Sessions.Count(),
		"realm_closed":         s.deps.Gate.IsClosed(),
	}
	if s.deps.Auth != nil {
		body["pending_resume_keys"] = s.deps.Auth.PendingResumeKeys()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleConnections(c *gin.Context) {
	conns := s.deps.Registry.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"connections": conns,
		"total":       len(conns),
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	sessions := s.deps.Sessions.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// handleHost returns static host information and a fresh resource sample.
func (s *Server) handleHost(c *gin.Context) {
	dbDir := filepath.Dir(s.deps.Config.GetWorldData().DatabasePath)
	c.JSON(http.StatusOK, gin.H{
		"system": util.GetSystemInfo(),
		"stats":  util.SampleHostStats(dbDir),
	})
}

// handleLogEntries returns the newest lines of the current log file.
func (s *Server) handleLogEntries(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "100"))
	if err != nil || count < 1 {
		count = 100
	}
	if count > 1000 {
		count = 1000
	}

	entries, err := readRecentLogEntries(s.deps.Config.GetApplicationData().Logging.Directory, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries parses the last count JSON lines of the newest log
// file in logDir.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []logEntry{}, nil
		}
		return nil, err
	}

	type candidate struct {
		path  string
		mtime int64
	}
	var files []candidate
	for _, e := range dirEntries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{filepath.Join(logDir, e.Name()), info.ModTime().UnixNano()})
	}
	if len(files) == 0 {
		return []logEntry{}, nil
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime > files[j].mtime })

	data, err := os.ReadFile(files[0].path)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if start := len(lines) - count; start > 0 {
		lines = lines[start:]
	}

	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "app": true,
	}

	result := make([]logEntry, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:     stringFromMap(raw, "level"),
			Message:   stringFromMap(raw, "message"),
			Timestamp: stringFromMap(raw, "time"),
		}
		extra := make(map[string]interface{})
		for k, v := range raw {
			if !knownKeys[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			entry.Fields = extra
		}
		result = append(result, entry)
	}
	return result, nil
}

func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
