package queuerunner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hydrogen-ci/hydrogen/common/gerror"
	"github.com/hydrogen-ci/hydrogen/common/models"
	"github.com/hydrogen-ci/hydrogen/nix"
	"github.com/hydrogen-ci/hydrogen/nix/nar"
	"github.com/hydrogen-ci/hydrogen/nix/serveproto"
)

type buildOptions struct {
	MaxSilentTime      int
	BuildTimeout       int
	MaxLogSize         uint64
	Repeats            int
	EnforceDeterminism bool
}

// child is the local end of a connection to a remote builder: an SSH (or
// local build helper) subprocess with the serve protocol on its stdio.
type child struct {
	cmd *exec.Cmd
	to  io.WriteCloser
	out *bufio.Writer
	in  *serveproto.Reader
	wr  *serveproto.Writer
}

func (c *child) flush() error {
	return c.out.Flush()
}

func (c *child) closeAndWait() error {
	c.to.Close()
	return c.cmd.Wait()
}

// openConnection spawns the transport to the machine: the build helper
// directly for localhost, SSH with a forced command and pinned host key
// otherwise. stderr (the remote build log) goes to logFD.
func openConnection(machine *models.Machine, tmpDir string, logFD *os.File) (*child, error) {
	var cmd *exec.Cmd
	if machine.SSHName == "localhost" {
		cmd = exec.Command("nix-store", "--serve", "--write")
	} else {
		argv := []string{machine.SSHName}
		if machine.SSHKey != "" {
			argv = append(argv, "-i", machine.SSHKey)
		}
		if machine.SSHPublicHostKey != "" {
			fileName := filepath.Join(tmpDir, "host-key")
			host := machine.SSHName
			if i := strings.Index(host, "@"); i >= 0 {
				host = host[i+1:]
			}
			if err := os.WriteFile(fileName, []byte(host+" "+machine.SSHPublicHostKey+"\n"), 0600); err != nil {
				return nil, err
			}
			argv = append(argv, "-oUserKnownHostsFile="+fileName)
		}
		argv = append(argv,
			"-x", "-a", "-oBatchMode=yes", "-oConnectTimeout=60", "-oTCPKeepAlive=yes",
			"--", "nix-store", "--serve", "--write")
		cmd = exec.Command("ssh", argv...)
	}
	cmd.Stderr = logFD

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "cannot start %s", cmd.Path)
	}

	out := bufio.NewWriterSize(stdin, 64*1024)
	return &child{
		cmd: cmd,
		to:  stdin,
		out: out,
		in:  serveproto.NewReader(bufio.NewReaderSize(stdout, 64*1024)),
		wr:  serveproto.NewWriter(out),
	}, nil
}

// copyClosureTo ensures the closure of paths is valid on the remote side,
// sending whatever is missing under the machine's send lock.
func (s *State) copyClosureTo(
	ctx context.Context,
	machine *models.Machine,
	conn *child,
	paths []nix.StorePath,
	useSubstitutes bool,
) error {
	closure, err := nix.ComputeFSClosure(ctx, s.destStore, paths...)
	if err != nil {
		return err
	}

	// Send the "query valid paths" command with the lock option so the
	// remote host does not garbage-collect paths that are already there.
	// Optionally, ask it to substitute missing paths.
	if err := conn.wr.WriteUint64(serveproto.CmdQueryValidPaths); err != nil {
		return err
	}
	if err := conn.wr.WriteBool(true); err != nil { // lock
		return err
	}
	if err := conn.wr.WriteBool(useSubstitutes); err != nil {
		return err
	}
	if err := conn.wr.WriteStrings(storePathStrings(closure)); err != nil {
		return err
	}
	if err := conn.flush(); err != nil {
		return err
	}

	presentList, err := conn.in.ReadStrings()
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(presentList))
	for _, p := range presentList {
		present[p] = true
	}

	if len(present) == len(closure) {
		return nil
	}

	sorted, err := nix.TopoSortPaths(ctx, s.destStore, closure)
	if err != nil {
		return err
	}
	var missing []nix.StorePath
	for i := len(sorted) - 1; i >= 0; i-- {
		if !present[string(sorted[i])] {
			missing = append(missing, sorted[i])
		}
	}

	s.log.Debugf("sending %d missing paths to %q", len(missing), machine.SSHName)

	locked := machine.State.AcquireSendLock(sendLockTimeout)
	if locked {
		defer machine.State.ReleaseSendLock()
	}

	if err := conn.wr.WriteUint64(serveproto.CmdImportPaths); err != nil {
		return err
	}
	if err := serveproto.ExportPaths(ctx, conn.wr, s.destStore, missing); err != nil {
		return err
	}
	if err := conn.flush(); err != nil {
		return err
	}

	status, err := conn.in.ReadUint64()
	if err != nil {
		return err
	}
	if status != 1 {
		return fmt.Errorf("remote machine failed to import closure")
	}
	return nil
}

// buildRemote performs the step on the machine: handshake, input copying,
// the build command and output import. A returned error means the attempt
// was aborted; result carries the terminal status otherwise. Any error other
// than cancellation counts as a failure of the machine and escalates its
// back-off.
func (s *State) buildRemote(
	ctx context.Context,
	machine *models.Machine,
	step *models.Step,
	options buildOptions,
	result *models.RemoteResult,
	activeStep *ActiveStep,
	updatePhase func(models.StepPhase),
	narMembers nar.Members,
) error {
	err := s.buildRemoteInner(ctx, machine, step, options, result, activeStep, updatePhase, narMembers)
	if err != nil && !gerror.IsStepCancelled(err) && !activeStep.Cancelled() {
		s.noteMachineFailure(machine)
	}
	return err
}

func (s *State) buildRemoteInner(
	ctx context.Context,
	machine *models.Machine,
	step *models.Step,
	options buildOptions,
	result *models.RemoteResult,
	activeStep *ActiveStep,
	updatePhase func(models.StepPhase),
	narMembers nar.Members,
) error {
	base := step.DrvPath.Base()
	result.LogFile = filepath.Join(s.cfg.LogDir, base[:2], base[2:])
	if err := os.MkdirAll(filepath.Dir(result.LogFile), 0755); err != nil {
		return err
	}
	logFD, err := os.OpenFile(result.LogFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return errors.Wrapf(err, "creating log file %q", result.LogFile)
	}
	defer logFD.Close()
	keepLog := false
	defer func() {
		if !keepLog {
			os.Remove(result.LogFile)
			result.LogFile = ""
		}
	}()

	tmpDir, err := os.MkdirTemp("", "hydrogen-"+uuid.New().String()[:8])
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	updatePhase(models.PhaseConnecting)

	conn, err := openConnection(machine, tmpDir, logFD)
	if err != nil {
		return err
	}
	defer func() {
		if conn != nil {
			conn.to.Close()
			conn.cmd.Process.Kill()
			conn.cmd.Wait()
		}
	}()

	if activeStep.Cancelled() {
		return gerror.NewErrStepCancelled()
	}
	// Let queue changes interrupt the in-flight build.
	process := conn.cmd.Process
	activeStep.setCancelFunc(func() {
		process.Signal(syscall.SIGINT)
	})
	defer activeStep.setCancelFunc(nil)

	in, wr := conn.in, conn.wr
	defer func() {
		s.bytesReceived.Add(int64(in.BytesRead()))
		s.bytesSent.Add(int64(wr.BytesWritten()))
	}()

	// Handshake.
	sendDerivation := true
	var remoteVersion uint64
	err = func() error {
		if err := conn.wr.WriteUint64(serveproto.Magic1); err != nil {
			return err
		}
		if err := conn.wr.WriteUint64(serveproto.OurVersion); err != nil {
			return err
		}
		if err := conn.flush(); err != nil {
			return err
		}
		magic, err := conn.in.ReadUint64()
		if err != nil {
			return err
		}
		if magic != serveproto.Magic2 {
			return gerror.NewErrProtocolMismatch(fmt.Sprintf("protocol mismatch with 'nix-store --serve' on %q", machine.SSHName))
		}
		remoteVersion, err = conn.in.ReadUint64()
		if err != nil {
			return err
		}
		if serveproto.ProtocolMajor(remoteVersion) != 0x200 {
			return gerror.NewErrProtocolMismatch(fmt.Sprintf("unsupported 'nix-store --serve' protocol version on %q", machine.SSHName))
		}
		if serveproto.ProtocolMinor(remoteVersion) >= 1 {
			sendDerivation = false
		}
		if serveproto.ProtocolMinor(remoteVersion) < 3 && options.Repeats > 0 {
			return fmt.Errorf("machine %q does not support repeating a build; please upgrade it", machine.SSHName)
		}
		return nil
	}()
	if err != nil {
		if _, ok := err.(gerror.Error); !ok {
			// Most likely the connection died before the handshake; surface
			// whatever the transport logged.
			logText, _ := os.ReadFile(result.LogFile)
			return fmt.Errorf("cannot connect to %q: %s", machine.SSHName, strings.TrimSpace(string(logText)))
		}
		return err
	}

	machine.State.ClearConsecutiveFailures()

	// Gather the inputs. If the remote side is too old to accept
	// cmdBuildDerivation we have to copy the entire closure of the
	// derivation file; otherwise only the immediate sources and the
	// required outputs of the input derivations.
	updatePhase(models.PhaseSendingInputs)

	inputs := make(map[nix.StorePath]bool)
	basicDrv := *step.Drv
	basicDrv.InputSrcs = append([]nix.StorePath(nil), step.Drv.InputSrcs...)
	basicDrv.InputDrvs = nil

	if sendDerivation {
		inputs[step.DrvPath] = true
	} else {
		for _, p := range step.Drv.InputSrcs {
			inputs[p] = true
		}
	}
	for inputDrvPath, outputNames := range step.Drv.InputDrvs {
		inputDrv, err := s.localStore.ReadDerivation(ctx, inputDrvPath)
		if err != nil {
			return err
		}
		for _, name := range outputNames {
			out, ok := inputDrv.Outputs[name]
			if !ok || out.Path == "" {
				continue
			}
			inputs[out.Path] = true
			basicDrv.InputSrcs = append(basicDrv.InputSrcs, out.Path)
		}
	}

	err = func() error {
		// Ensure the inputs exist in the destination store; a no-op for a
		// plain local destination, a copy into the cache otherwise.
		if err := nix.CopyClosure(ctx, s.localStore, s.destStore, step.Drv.InputSrcs); err != nil {
			return err
		}

		// Copy the input closure to the builder.
		s.nrStepsCopyingTo.Add(1)
		defer s.nrStepsCopyingTo.Add(-1)
		s.log.Debugf("sending closure of %q to %q", step.DrvPath, machine.SSHName)

		copyStart := s.clock.Now()
		if err := s.copyClosureTo(ctx, machine, conn, setToSlice(inputs), true); err != nil {
			return err
		}
		result.Overhead += s.clock.Since(copyStart)
		return nil
	}()
	if err != nil {
		return err
	}

	keepLog = true

	// Truncate the log to get rid of messages about substitutions on the
	// remote system.
	if _, err := logFD.Seek(0, io.SeekStart); err != nil {
		return errors.Wrapf(err, "seeking to the start of log file %q", result.LogFile)
	}
	if err := logFD.Truncate(0); err != nil {
		return errors.Wrapf(err, "truncating log file %q", result.LogFile)
	}

	// Do the build.
	s.log.Debugf("building %q on %q", step.DrvPath, machine.SSHName)
	updatePhase(models.PhaseBuilding)

	if sendDerivation {
		if err := conn.wr.WriteUint64(serveproto.CmdBuildPaths); err != nil {
			return err
		}
		if err := conn.wr.WriteStrings([]string{string(step.DrvPath)}); err != nil {
			return err
		}
	} else {
		if err := conn.wr.WriteUint64(serveproto.CmdBuildDerivation); err != nil {
			return err
		}
		if err := conn.wr.WriteString(string(step.DrvPath)); err != nil {
			return err
		}
		if err := serveproto.WriteDerivation(conn.wr, &basicDrv); err != nil {
			return err
		}
	}
	if err := conn.wr.WriteUint64(uint64(options.MaxSilentTime)); err != nil {
		return err
	}
	if err := conn.wr.WriteUint64(uint64(options.BuildTimeout)); err != nil {
		return err
	}
	if serveproto.ProtocolMinor(remoteVersion) >= 2 {
		if err := conn.wr.WriteUint64(options.MaxLogSize); err != nil {
			return err
		}
	}
	if serveproto.ProtocolMinor(remoteVersion) >= 3 {
		if err := conn.wr.WriteUint64(uint64(options.Repeats)); err != nil {
			return err
		}
		if err := conn.wr.WriteBool(options.EnforceDeterminism); err != nil {
			return err
		}
	}
	if err := conn.flush(); err != nil {
		return err
	}

	result.StartTime = s.clock.Now()
	var status uint64
	func() {
		s.nrStepsBuilding.Add(1)
		defer s.nrStepsBuilding.Add(-1)
		status, err = conn.in.ReadUint64()
	}()
	if err != nil {
		return err
	}
	result.StopTime = s.clock.Now()

	if sendDerivation {
		if status != 0 {
			msg, err := conn.in.ReadString()
			if err != nil {
				return err
			}
			result.ErrorMsg = fmt.Sprintf("%s on %q", msg, machine.SSHName)
			switch status {
			case 100:
				result.StepStatus = models.BuildStatusFailed
				result.CanCache = true
			case 101:
				result.StepStatus = models.BuildStatusTimedOut
			default:
				result.StepStatus = models.BuildStatusAborted
				result.CanRetry = true
			}
			return nil
		}
		result.StepStatus = models.BuildStatusSuccess
	} else {
		msg, err := conn.in.ReadString()
		if err != nil {
			return err
		}
		result.ErrorMsg = msg
		if serveproto.ProtocolMinor(remoteVersion) >= 3 {
			timesBuilt, err := conn.in.ReadUint64()
			if err != nil {
				return err
			}
			isNonDet, err := conn.in.ReadUint64()
			if err != nil {
				return err
			}
			startTime, err := conn.in.ReadUint64()
			if err != nil {
				return err
			}
			stopTime, err := conn.in.ReadUint64()
			if err != nil {
				return err
			}
			result.TimesBuilt = int(timesBuilt)
			result.IsNonDeterministic = isNonDet != 0
			if startTime != 0 && stopTime != 0 {
				// This is the duration of a single round, rather than all
				// rounds.
				result.StartTime = time.Unix(int64(startTime), 0)
				result.StopTime = time.Unix(int64(stopTime), 0)
			}
		}
		mapBuildStatus(status, result)
		if result.StepStatus != models.BuildStatusSuccess {
			return nil
		}
	}

	result.ErrorMsg = ""

	// If the path was substituted or already valid, there is no build log.
	if result.IsCached {
		s.log.Infof("outputs of %q substituted or already valid on %q", step.DrvPath, machine.SSHName)
		os.Remove(result.LogFile)
		result.LogFile = ""
		keepLog = false
	}

	// Copy the output paths.
	updatePhase(models.PhaseReceivingOutputs)
	err = func() error {
		s.nrStepsCopyingFrom.Add(1)
		defer s.nrStepsCopyingFrom.Add(-1)

		copyStart := s.clock.Now()

		outputs := step.Drv.OutputPaths()
		outputList := make([]nix.StorePath, 0, len(outputs))
		for _, p := range outputs {
			outputList = append(outputList, p)
		}

		// Query the size of the output paths.
		var totalNarSize uint64
		if err := conn.wr.WriteUint64(serveproto.CmdQueryPathInfos); err != nil {
			return err
		}
		if err := conn.wr.WriteStrings(storePathStrings(outputList)); err != nil {
			return err
		}
		if err := conn.flush(); err != nil {
			return err
		}
		for {
			pathStr, err := conn.in.ReadString()
			if err != nil {
				return err
			}
			if pathStr == "" {
				break
			}
			if _, err := conn.in.ReadString(); err != nil { // deriver
				return err
			}
			if _, err := conn.in.ReadStrings(); err != nil { // references
				return err
			}
			if _, err := conn.in.ReadUint64(); err != nil { // download size
				return err
			}
			narSize, err := conn.in.ReadUint64()
			if err != nil {
				return err
			}
			totalNarSize += narSize
		}

		if totalNarSize > s.cfg.MaxOutputSize {
			result.StepStatus = models.BuildStatusNarSizeExceeded
			return nil
		}

		s.log.Debugf("copying outputs of %q from %q (%d bytes)", step.DrvPath, machine.SSHName, totalNarSize)

		// Block until enough memory is available: the uncompressed NAR plus
		// worst-case compressed form and compressor overhead.
		tokenStart := s.clock.Now()
		compressionCost := int64(totalNarSize) + compressionOverhead
		token, err := s.memoryTokens.Get(ctx, int64(totalNarSize)+compressionCost)
		if err != nil {
			return err
		}
		defer token.Release()
		if wait := s.clock.Since(tokenStart); wait >= time.Second {
			s.log.Errorf("warning: had to wait %s for %d memory tokens for %q", wait, totalNarSize, step.DrvPath)
		}

		if err := conn.wr.WriteUint64(serveproto.CmdExportPaths); err != nil {
			return err
		}
		if err := conn.wr.WriteUint64(0); err != nil {
			return err
		}
		if err := conn.wr.WriteStrings(storePathStrings(outputList)); err != nil {
			return err
		}
		if err := conn.flush(); err != nil {
			return err
		}

		err = serveproto.ImportPaths(ctx, conn.in, s.destStore, s.destStore.StoreDir(), func(path nix.StorePath, narData []byte) error {
			return nar.Extract(bytes.NewReader(narData), string(path), narMembers)
		})
		if err != nil {
			return err
		}

		// Release the tokens pertaining to NAR compression; only the
		// uncompressed NAR remains in memory from here on.
		token.GiveBack(compressionCost)

		result.Overhead += s.clock.Since(copyStart)
		return nil
	}()
	if err != nil {
		return err
	}

	// Shut down the connection.
	c := conn
	conn = nil
	return c.closeAndWait()
}

func mapBuildStatus(status uint64, result *models.RemoteResult) {
	switch status {
	case serveproto.StatusBuilt:
		result.StepStatus = models.BuildStatusSuccess
	case serveproto.StatusSubstituted, serveproto.StatusAlreadyValid:
		result.StepStatus = models.BuildStatusSuccess
		result.IsCached = true
	case serveproto.StatusPermanentFailure:
		result.StepStatus = models.BuildStatusFailed
		result.CanCache = true
		result.ErrorMsg = ""
	case serveproto.StatusInputRejected, serveproto.StatusOutputRejected:
		result.StepStatus = models.BuildStatusFailed
		result.CanCache = true
	case serveproto.StatusTransientFailure:
		result.StepStatus = models.BuildStatusFailed
		result.CanRetry = true
		result.ErrorMsg = ""
	case serveproto.StatusTimedOut:
		result.StepStatus = models.BuildStatusTimedOut
		result.ErrorMsg = ""
	case serveproto.StatusMiscFailure:
		result.StepStatus = models.BuildStatusAborted
		result.CanRetry = true
	case serveproto.StatusLogLimitExceeded:
		result.StepStatus = models.BuildStatusLogLimitExceeded
	case serveproto.StatusNotDeterministic:
		result.StepStatus = models.BuildStatusNotDeterministic
		result.CanRetry = false
		result.CanCache = true
	default:
		result.StepStatus = models.BuildStatusAborted
	}
}

// noteMachineFailure disables the machine for an exponentially increasing
// period. Failures within 30 seconds of the previous one are not counted
// again, so steps failing in parallel escalate the back-off only once.
func (s *State) noteMachineFailure(machine *models.Machine) {
	now := s.clock.Now()
	lastFailure, _, consecutiveFailures := machine.State.ConnectInfo()
	if consecutiveFailures == 0 || lastFailure.Before(now.Add(-30*time.Second)) {
		if consecutiveFailures < 4 {
			consecutiveFailures++
		}
		delta := s.cfg.RetryInterval.Seconds()*math.Pow(s.cfg.RetryBackoff, float64(consecutiveFailures-1)) + float64(rand.Intn(30))
		disabledUntil := now.Add(time.Duration(delta) * time.Second)
		s.log.Infof("will disable machine %q for %ds", machine.SSHName, int(delta))
		machine.State.SetConnectInfo(now, disabledUntil, consecutiveFailures)
	}
}

func storePathStrings(paths []nix.StorePath) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = string(p)
	}
	return out
}

func setToSlice(set map[nix.StorePath]bool) []nix.StorePath {
	out := make([]nix.StorePath, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}
