package queuerunner

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/hydrogen-ci/hydrogen/common/models"
)

const machinesPollInterval = 30 * time.Second

// parseMachinesLine parses one line of a machines file:
//
//	sshName systemTypes sshKey maxJobs speedFactor supportedFeatures mandatoryFeatures hostKey
//
// Fields are whitespace separated; "-" means empty. Lines with fewer than
// three tokens are ignored.
func parseMachinesLine(line string) (*models.Machine, error) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	tokens := strings.Fields(line)
	if len(tokens) < 3 {
		return nil, nil
	}
	for len(tokens) < 8 {
		tokens = append(tokens, "")
	}

	machine := &models.Machine{
		Enabled:           true,
		SSHName:           tokens[0],
		SystemTypes:       splitSet(tokens[1]),
		MaxJobs:           1,
		SpeedFactor:       1.0,
		SupportedFeatures: map[string]bool{},
		MandatoryFeatures: map[string]bool{},
	}
	if tokens[2] != "-" {
		machine.SSHKey = tokens[2]
	}
	if tokens[3] != "" && tokens[3] != "-" {
		maxJobs, err := strconv.Atoi(tokens[3])
		if err != nil {
			return nil, fmt.Errorf("bad maxJobs for machine %q: %w", machine.SSHName, err)
		}
		machine.MaxJobs = maxJobs
	}
	if tokens[4] != "" && tokens[4] != "-" {
		speed, err := strconv.ParseFloat(tokens[4], 64)
		if err != nil {
			return nil, fmt.Errorf("bad speedFactor for machine %q: %w", machine.SSHName, err)
		}
		if speed > 0 {
			machine.SpeedFactor = speed
		}
	}
	if tokens[5] != "-" {
		machine.SupportedFeatures = splitSet(tokens[5])
	}
	if tokens[6] != "-" {
		machine.MandatoryFeatures = splitSet(tokens[6])
	}
	// A machine trivially supports its own mandatory features.
	for f := range machine.MandatoryFeatures {
		machine.SupportedFeatures[f] = true
	}
	if tokens[7] != "" && tokens[7] != "-" {
		hostKey, err := base64.StdEncoding.DecodeString(tokens[7])
		if err != nil {
			return nil, fmt.Errorf("bad host key for machine %q: %w", machine.SSHName, err)
		}
		machine.SSHPublicHostKey = string(hostKey)
	}
	return machine, nil
}

func splitSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, item := range strings.Split(s, ",") {
		if item != "" {
			set[item] = true
		}
	}
	return set
}

// parseMachines replaces the machine map with the machines in contents.
// Per-machine state survives the reload by machine name; machines that
// disappeared stay in the map, disabled, so their stats remain visible.
func (s *State) parseMachines(contents string) error {
	s.machinesMu.RLock()
	oldMachines := make(map[string]*models.Machine, len(s.machines))
	for name, m := range s.machines {
		oldMachines[name] = m
	}
	s.machinesMu.RUnlock()

	var merr *multierror.Error
	newMachines := make(map[string]*models.Machine)
	for _, line := range strings.Split(contents, "\n") {
		machine, err := parseMachinesLine(line)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if machine == nil {
			continue
		}
		if old, ok := oldMachines[machine.SSHName]; ok {
			s.log.Debugf("updating machine %q", machine.SSHName)
			machine.State = old.State
		} else {
			s.log.Debugf("adding new machine %q", machine.SSHName)
			machine.State = models.NewMachineState()
		}
		newMachines[machine.SSHName] = machine
	}

	for name, old := range oldMachines {
		if _, ok := newMachines[name]; !ok {
			if old.Enabled {
				s.log.Infof("removing machine %q", name)
			}
			// Keep a disabled entry so stats are maintained.
			disabled := *old
			disabled.Enabled = false
			newMachines[name] = &disabled
		}
	}

	if len(newMachines) == 0 {
		s.log.Error("warning: no build machines are defined")
	}

	s.machinesMu.Lock()
	s.machines = newMachines
	s.machinesMu.Unlock()

	s.wakeDispatcher()
	return merr.ErrorOrNil()
}

// defaultMachines is used when no machines file is configured: build locally.
func (s *State) defaultMachines() string {
	systems := s.cfg.LocalSystem
	if s.cfg.LocalSystem == "x86_64-linux" {
		systems = "x86_64-linux,i686-linux"
	}
	return fmt.Sprintf("localhost %s - 1 1 - - -", systems)
}

type fileStamp struct {
	inode uint64
	mtime int64
}

func stampOf(info os.FileInfo) fileStamp {
	st := fileStamp{mtime: info.ModTime().UnixNano()}
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		st.inode = sys.Ino
	}
	return st
}

// monitorMachinesFile polls the configured machines files and reloads the
// machine map whenever any file's identity or mtime changes.
func (s *State) monitorMachinesFile(ctx context.Context, ready chan<- struct{}) {
	log := s.logFactory("MachinesMonitor")

	if len(s.cfg.MachinesFiles) == 0 {
		if err := s.parseMachines(s.defaultMachines()); err != nil {
			log.Errorf("parsing default machines: %s", err)
		}
		close(ready)
		return
	}

	stamps := make([]fileStamp, len(s.cfg.MachinesFiles))

	readMachinesFiles := func() error {
		anyChanged := false
		for n, file := range s.cfg.MachinesFiles {
			var st fileStamp
			if info, err := os.Stat(file); err == nil {
				st = stampOf(info)
			} else if !os.IsNotExist(err) {
				return fmt.Errorf("error getting stats about %q: %w", file, err)
			}
			if stamps[n] != st {
				anyChanged = true
			}
			stamps[n] = st
		}
		if !anyChanged {
			return nil
		}

		log.Debug("reloading machines files")
		var contents strings.Builder
		for _, file := range s.cfg.MachinesFiles {
			data, err := os.ReadFile(file)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return err
			}
			contents.Write(data)
			contents.WriteByte('\n')
		}
		return s.parseMachines(contents.String())
	}

	firstParse := true
	ticker := s.clock.Ticker(machinesPollInterval)
	defer ticker.Stop()
	for {
		if err := readMachinesFiles(); err != nil {
			log.Errorf("reloading machines file: %s", err)
		}
		if firstParse {
			close(ready)
			firstParse = false
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
