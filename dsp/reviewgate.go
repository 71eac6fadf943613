/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

import (
	"context"
	"fmt"
	"log"
	"net"
	"os/exec"
	"strings"
	"time"
)

type ReviewStage string

const (
	ReviewUnsigned ReviewStage = "unsigned"
	ReviewSigned   ReviewStage = "signed"
)

type ReviewVerdict string

const (
	ReviewApproved ReviewVerdict = "approved"
	ReviewRejected ReviewVerdict = "rejected"
	ReviewTimedOut ReviewVerdict = "timed-out"
)

func (stage ReviewStage) versionStage() VersionStage {
	if stage == ReviewUnsigned {
		return StageAwaitingLoadReview
	}
	return StageAwaitingSignReview
}

func (zd *ZoneData) reviewPolicy(stage ReviewStage) ReviewPolicy {
	if stage == ReviewUnsigned {
		return zd.Policy.LoadedReview
	}
	return zd.Policy.SignedReview
}

// startReview kicks off the review of one version at one stage. With a
// cmd-hook configured the hook is invoked exactly once for this
// (version, stage); without one the version stays awaiting an explicit
// approve/reject. Called with the zone mutex held.
func (zd *ZoneData) startReview(stage ReviewStage, v *Version) {
	rp := zd.reviewPolicy(stage)

	if rp.CmdHook == "" {
		log.Printf("Zone %s: version %d awaiting manual %s review", zd.ZoneName, v.Serial, stage)
		return
	}

	zd.GateInvocations++
	go func() {
		verdict := zd.runReviewHook(rp.CmdHook, stage, v.Serial)
		zd.recordReviewDecision(stage, v.Serial, verdict)
		approved := verdict == ReviewApproved
		if stage == ReviewUnsigned {
			zd.resolveLoadReview(v, approved)
		} else {
			zd.resolveSignReview(v, approved)
		}
	}()
}

// runReviewHook executes the verifier as "sh -c <hook>". Exit status 0
// approves; any other exit status, a crash or the timeout rejects.
// Fail-closed: there is no code path from a misbehaving verifier to an
// approval.
func (zd *ZoneData) runReviewHook(hook string, stage ReviewStage, serial uint32) ReviewVerdict {
	timeout := zd.ReviewTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ip, port, err := net.SplitHostPort(zd.ReviewAddr)
	if err != nil {
		ip, port = zd.ReviewAddr, ""
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", hook)
	cmd.Env = append(cmd.Environ(),
		fmt.Sprintf("DSP_ZONE=%s", strings.TrimSuffix(zd.ZoneName, ".")),
		fmt.Sprintf("DSP_SERIAL=%d", serial),
		fmt.Sprintf("DSP_SERVER=%s", zd.ReviewAddr),
		fmt.Sprintf("DSP_SERVER_IP=%s", ip),
		fmt.Sprintf("DSP_SERVER_PORT=%s", port),
	)

	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		log.Printf("Zone %s: %s review hook timed out after %v: rejecting version %d",
			zd.ZoneName, stage, timeout, serial)
		return ReviewTimedOut
	}
	if err != nil {
		log.Printf("Zone %s: %s review hook rejected version %d: %v (output: %s)",
			zd.ZoneName, stage, serial, err, strings.TrimSpace(string(out)))
		return ReviewRejected
	}
	log.Printf("Zone %s: %s review hook approved version %d", zd.ZoneName, stage, serial)
	return ReviewApproved
}

func (zd *ZoneData) recordReviewDecision(stage ReviewStage, serial uint32, verdict ReviewVerdict) {
	if zd.KeyDB == nil {
		return
	}
	const q = `
INSERT OR REPLACE INTO ReviewStore (zonename, serial, stage, decision, decidedat) VALUES (?, ?, ?, ?, ?)`
	_, err := zd.KeyDB.Exec(q, zd.ZoneName, serial, string(stage), string(verdict),
		time.Now().Format(time.RFC3339))
	if err != nil {
		log.Printf("Zone %s: error recording review decision: %v", zd.ZoneName, err)
	}
}

// HandleReviewDecision is the manual approve/reject entry point.
// Repeated decisions for an already resolved version are no-ops.
func (zd *ZoneData) HandleReviewDecision(stage ReviewStage, serial uint32, approve bool) (string, error) {
	if stage != ReviewUnsigned && stage != ReviewSigned {
		return "", fmt.Errorf("unknown review stage: %s", stage)
	}

	zd.mu.Lock()
	var target *Version
	for i := len(zd.Versions) - 1; i >= 0; i-- {
		if zd.Versions[i].Serial == serial {
			target = zd.Versions[i]
			break
		}
	}
	zd.mu.Unlock()

	if target == nil {
		return "", fmt.Errorf("zone %s: no version with serial %d", zd.ZoneName, serial)
	}
	if target.Stage != stage.versionStage() || target.Superseded {
		return fmt.Sprintf("Zone %s: version %d already resolved (stage %s), decision ignored",
			zd.ZoneName, serial, StageToString[target.Stage]), nil
	}

	// A version restored after a restart may have lost its content
	// (zone file gone or moved on to another serial). Approving it
	// would sign and publish an empty zone, so the decision is
	// refused and the version stays awaiting review.
	if approve {
		if stage == ReviewUnsigned && len(target.Records) == 0 {
			return "", fmt.Errorf("zone %s: version %d has no content (not recovered after restart?), refusing to approve",
				zd.ZoneName, serial)
		}
		if stage == ReviewSigned && len(target.SignedSets) == 0 {
			return "", fmt.Errorf("zone %s: version %d has no signed content (not recovered after restart?), refusing to approve",
				zd.ZoneName, serial)
		}
	}

	verdict := ReviewRejected
	if approve {
		verdict = ReviewApproved
	}
	zd.recordReviewDecision(stage, serial, verdict)

	if stage == ReviewUnsigned {
		zd.resolveLoadReview(target, approve)
	} else {
		zd.resolveSignReview(target, approve)
	}
	return fmt.Sprintf("Zone %s: version %d at %s review: %s", zd.ZoneName, serial, stage, verdict), nil
}

// PendingReviews lists the versions currently awaiting a decision.
func (zd *ZoneData) PendingReviews() []VersionInfo {
	zd.mu.Lock()
	defer zd.mu.Unlock()

	var res []VersionInfo
	for _, v := range zd.Versions {
		if v.Superseded {
			continue
		}
		if v.Stage == StageAwaitingLoadReview || v.Stage == StageAwaitingSignReview {
			res = append(res, VersionInfo{
				Serial:    v.Serial,
				OutSerial: v.OutSerial,
				Stage:     StageToString[v.Stage],
				Loaded:    v.Loaded,
				StageTime: v.StageTime,
			})
		}
	}
	return res
}
