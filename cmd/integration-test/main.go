package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"go/build"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/InsAnjara/ProgSys/client"
	"github.com/phayes/freeport"
)

const (
	numNodes          = 3
	replicationFactor = 2
	fileSize          = 16*1024*1024 + 7

	sendFmt = "Add: %13s (%.1f MiB)"
	recvFmt = "Get: %13s"
)

func main() {
	if err := runTest(); err != nil {
		log.Fatalf("Test failed: %v", err)
	}

	log.Printf("Test passed!")
}

func runTest() error {
	log.SetFlags(log.Flags() | log.Lmicroseconds)

	goPath := os.Getenv("GOPATH")
	if goPath == "" {
		goPath = build.Default.GOPATH
	}

	log.Printf("Compiling ProgSys")
	out, err := exec.Command("go", "install", "-v", "github.com/InsAnjara/ProgSys").CombinedOutput()
	if err != nil {
		log.Printf("Failed to build: %v", err)
		return fmt.Errorf("compilation failed: %v (out: %s)", err, string(out))
	}

	binary := filepath.Join(goPath, "bin", "ProgSys")

	workDir, err := os.MkdirTemp("", "progsys-integration")
	if err != nil {
		return fmt.Errorf("creating work dir: %v", err)
	}
	defer os.RemoveAll(workDir)

	ports := make([]int, 2*numNodes+2)
	for i := range ports {
		ports[i], err = freeport.GetFreePort()
		if err != nil {
			return fmt.Errorf("getting free port: %v", err)
		}
	}

	masterPort, responsePort := ports[0], ports[1]
	var targets []string

	for i := 0; i < numNodes; i++ {
		commandPort, broadcastPort := ports[2+2*i], ports[3+2*i]
		targets = append(targets, net.JoinHostPort("127.0.0.1", fmt.Sprint(broadcastPort)))

		cfg := fmt.Sprintf(`node:
  command_port: %d
  storage_dir: %q
discovery:
  broadcast_port: %d
  response_port: %d
`, commandPort, filepath.Join(workDir, fmt.Sprintf("node%d", i)), broadcastPort, responsePort)

		stop, err := start(binary, workDir, fmt.Sprintf("node%d", i), "node", cfg, commandPort)
		if err != nil {
			return err
		}
		defer stop()
	}

	cfg := fmt.Sprintf(`master:
  client_port: %d
  replication_factor: %d
  temp_dir: %q
discovery:
  response_port: %d
  targets: [%s]
  window: 500ms
`, masterPort, replicationFactor, filepath.Join(workDir, "master"), responsePort, strings.Join(targets, ", "))

	stop, err := start(binary, workDir, "master", "master", cfg, masterPort)
	if err != nil {
		return err
	}
	defer stop()

	log.Printf("Starting the test")

	ctx := context.Background()

	cl, err := client.Dial(ctx, net.JoinHostPort("localhost", fmt.Sprint(masterPort)), time.Second, time.Minute)
	if err != nil {
		return fmt.Errorf("dial: %v", err)
	}
	defer cl.Close()

	return roundTrip(ctx, cl, workDir)
}

func start(binary, workDir, instance, role, cfg string, port int) (stop func(), err error) {
	cfgPath := filepath.Join(workDir, instance+".yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0666); err != nil {
		return nil, fmt.Errorf("writing config for %s: %v", instance, err)
	}

	log.Printf("Running %s on port %d", instance, port)

	cmd := exec.Command(binary, "-role="+role, "-config="+cfgPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %v", instance, err)
	}

	stop = func() {
		cmd.Process.Kill()
		cmd.Wait()
	}

	log.Printf("Waiting for the port localhost:%d to open", port)
	for i := 0; i <= 100; i++ {
		timeout := time.Millisecond * 50
		conn, err := net.DialTimeout("tcp", net.JoinHostPort("localhost", fmt.Sprint(port)), timeout)
		if err != nil {
			time.Sleep(timeout)
			continue
		}
		conn.Close()
		return stop, nil
	}

	stop()
	return nil, fmt.Errorf("%s did not open port %d", instance, port)
}

func roundTrip(ctx context.Context, cl *client.Raw, workDir string) error {
	want := make([]byte, fileSize)
	if _, err := rand.Read(want); err != nil {
		return err
	}

	srcPath := filepath.Join(workDir, "payload.bin")
	if err := os.WriteFile(srcPath, want, 0666); err != nil {
		return err
	}

	sendStart := time.Now()
	st, err := cl.Add(ctx, srcPath)
	if err != nil {
		return fmt.Errorf("add: %v", err)
	}
	log.Printf(sendFmt, time.Since(sendStart), float64(fileSize)/1024/1024)
	log.Printf("ADD replied %s", st)

	files, err := cl.List(ctx)
	if err != nil {
		return fmt.Errorf("list: %v", err)
	}

	if len(files) != 1 || files[0].Name != "payload.bin" || files[0].Fragments != numNodes {
		return fmt.Errorf("unexpected LIST result %+v, want payload.bin with %d fragments", files, numNodes)
	}

	destDir := filepath.Join(workDir, "download")
	if err := os.MkdirAll(destDir, 0777); err != nil {
		return err
	}

	recvStart := time.Now()
	path, err := cl.Get(ctx, "payload.bin", destDir)
	if err != nil {
		return fmt.Errorf("get: %v", err)
	}
	log.Printf(recvFmt, time.Since(recvStart))

	got, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if !bytes.Equal(want, got) {
		return fmt.Errorf("downloaded contents differ: got %d bytes, want %d", len(got), len(want))
	}

	if _, err := cl.Remove(ctx, "payload.bin"); err != nil {
		return fmt.Errorf("remove: %v", err)
	}

	files, err = cl.List(ctx)
	if err != nil {
		return fmt.Errorf("list: %v", err)
	}

	if len(files) != 0 {
		return fmt.Errorf("files left after REMOVE: %+v", files)
	}

	return nil
}
