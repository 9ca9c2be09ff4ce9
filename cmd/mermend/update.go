package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const releasesURL = "https://api.github.com/repos/rendis/mermend/releases/latest"

func runUpdate(args []string) error {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	skipVerify := fs.Bool("skip-verify", false, "skip SHA-256 checksum verification")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Printf("Current version: %s\n", version)

	client := &http.Client{Timeout: 15 * time.Second}
	release, err := fetchLatestRelease(client)
	if err != nil {
		return fmt.Errorf("cannot check releases: %w", err)
	}
	if release == nil {
		fmt.Println("No releases found")
		return nil
	}
	if !isNewer(release.TagName, version) {
		fmt.Printf("Already up to date (%s)\n", version)
		return nil
	}
	fmt.Printf("New version available: %s\n", release.TagName)

	name, err := mermendAssetName(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return err
	}
	asset := release.find(name)
	if asset == nil {
		return fmt.Errorf("release %s has no %s", release.TagName, name)
	}

	var want string
	if !*skipVerify {
		want = expectedChecksum(client, release, name)
	}

	selfPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot determine executable path: %w", err)
	}
	if selfPath, err = filepath.EvalSymlinks(selfPath); err != nil {
		return fmt.Errorf("cannot resolve executable path: %w", err)
	}

	fmt.Printf("Downloading %s...\n", asset.Name)
	binPath, tmpDir, err := downloadVerifyAndExtract(asset.BrowserDownloadURL, want)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := replaceBinary(selfPath, binPath); err != nil {
		return fmt.Errorf("cannot replace binary: %w", err)
	}
	fmt.Printf("Updated to %s\n", release.TagName)

	stopIfRunning()
	return nil
}

type githubRelease struct {
	TagName string        `json:"tag_name"`
	Assets  []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

func (r *githubRelease) find(name string) *githubAsset {
	for i := range r.Assets {
		if r.Assets[i].Name == name {
			return &r.Assets[i]
		}
	}
	return nil
}

func fetchLatestRelease(client httpGetter) (*githubRelease, error) {
	resp, err := client.Get(releasesURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, err
	}
	return &release, nil
}

// isNewer reports whether remote should replace local. Dev builds and
// git-describe versions always update.
func isNewer(remote, local string) bool {
	if local == "dev" || strings.Contains(strings.TrimPrefix(local, "v"), "-") {
		return true
	}
	return compareSemver(remote, local) > 0
}

func compareSemver(a, b string) int {
	ap, bp := semverParts(a), semverParts(b)
	for i := range ap {
		switch {
		case ap[i] > bp[i]:
			return 1
		case ap[i] < bp[i]:
			return -1
		}
	}
	return 0
}

func semverParts(v string) [3]int {
	var out [3]int
	for i, p := range strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3) {
		p, _, _ = strings.Cut(p, "-")
		out[i], _ = strconv.Atoi(p)
	}
	return out
}

func mermendAssetName(goos, goarch string) (string, error) {
	var osName string
	switch goos {
	case "darwin":
		osName = "Darwin"
	case "linux":
		osName = "Linux"
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}

	var archName string
	switch goarch {
	case "amd64":
		archName = "x86_64"
	case "arm64":
		archName = "arm64"
	default:
		return "", fmt.Errorf("unsupported arch: %s", goarch)
	}
	return fmt.Sprintf("mermend_%s_%s.tar.gz", osName, archName), nil
}

// expectedChecksum looks assetName up in the release's checksums.txt.
// Missing data yields "" and a warning.
func expectedChecksum(client httpGetter, release *githubRelease, assetName string) string {
	cs := release.find("checksums.txt")
	if cs == nil {
		fmt.Fprintln(os.Stderr, "Warning: release has no checksums.txt, skipping verification")
		return ""
	}

	resp, err := client.Get(cs.BrowserDownloadURL) //nolint:gosec // trusted GitHub release URL
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cannot download checksums.txt: %v\n", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Warning: checksums.txt returned %d\n", resp.StatusCode)
		return ""
	}

	sums, err := parseChecksumFile(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return ""
	}
	hash, ok := sums[assetName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Warning: no checksum for %s in checksums.txt\n", assetName)
	}
	return hash
}

func downloadVerifyAndExtract(url, want string) (binPath, tmpDir string, err error) {
	tmpDir, err = os.MkdirTemp("", "mermend-update-*")
	if err != nil {
		return "", "", err
	}
	defer func() {
		if err != nil {
			os.RemoveAll(tmpDir)
		}
	}()

	archive, err := downloadToTempFile(url, tmpDir, &http.Client{Timeout: 120 * time.Second})
	if err != nil {
		return "", "", err
	}
	if err = verifyFile(archive, want); err != nil {
		return "", "", err
	}

	f, err := os.Open(archive)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	if err = extractTarGz(f, tmpDir, "mermend"); err != nil {
		return "", "", err
	}
	binPath = filepath.Join(tmpDir, "mermend")
	if err = os.Chmod(binPath, 0o755); err != nil {
		return "", "", err
	}
	return binPath, tmpDir, nil
}

func replaceBinary(selfPath, newPath string) error {
	// Rename works on Unix even while the binary runs.
	if err := os.Rename(newPath, selfPath); err == nil {
		return nil
	}
	src, err := os.Open(newPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(selfPath, os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// stopIfRunning sends SIGTERM to a running server and waits up to 10s.
func stopIfRunning() {
	proc := runningServer()
	if proc == nil {
		fmt.Println("Run `mermend serve` to start the server")
		return
	}

	fmt.Printf("Stopping running server (PID %d)...\n", proc.Pid)
	_ = proc.Signal(syscall.SIGTERM)
	for range 100 {
		time.Sleep(100 * time.Millisecond)
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			break
		}
	}
	fmt.Println("Run `mermend serve` to start the updated server")
}
