package docker

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrNoSocket is returned when no Docker socket could be found
var ErrNoSocket = errors.New("docker socket not found")

// SocketCandidates lists the socket paths tried in order: Docker Desktop's
// per-user socket, then the system socket
func SocketCandidates(home string) []string {
	var out []string
	if home != "" {
		out = append(out, filepath.Join(home, ".docker", "desktop", "docker.sock"))
	}
	return append(out, "/var/run/docker.sock")
}

// DetectHost returns a daemon host URL for the first existing socket
func DetectHost(home string) (string, error) {
	for _, path := range SocketCandidates(home) {
		if _, err := os.Stat(path); err == nil {
			return "unix://" + path, nil
		}
	}
	return "", ErrNoSocket
}
