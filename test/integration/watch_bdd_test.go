//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	git "gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing/object"

	"github.com/calvera-dev/pullrun/internal/domain"
	"github.com/calvera-dev/pullrun/internal/infra"
	"github.com/calvera-dev/pullrun/internal/watch"
)

var _ = Describe("Watch loop", func() {
	var (
		upstreamDir string
		upstream    *git.Repository
		cloneDir    string
		local       *infra.LocalRepo
		logFile     string
		loopErr     error
		loopCancel  context.CancelFunc
		loopDone    chan struct{}
	)

	commitUpstream := func(name, content string) {
		err := os.WriteFile(filepath.Join(upstreamDir, name), []byte(content), 0644)
		Expect(err).NotTo(HaveOccurred())

		wt, err := upstream.Worktree()
		Expect(err).NotTo(HaveOccurred())
		_, err = wt.Add(name)
		Expect(err).NotTo(HaveOccurred())
		_, err = wt.Commit("add "+name, &git.CommitOptions{
			Author: &object.Signature{Name: "test", Email: "test@localhost", When: time.Now()},
		})
		Expect(err).NotTo(HaveOccurred())
	}

	countRuns := func() int {
		data, err := os.ReadFile(logFile)
		if err != nil {
			return 0
		}
		return strings.Count(string(data), "\n")
	}

	shellSpec := func(script string) domain.CommandSpec {
		return domain.CommandSpec{Program: "/bin/sh", Args: []string{"-c", script}, Dir: cloneDir}
	}

	startLoop := func(spec domain.CommandSpec) {
		cfg := watch.Config{
			PollInterval:   20 * time.Millisecond,
			GraceTimeout:   2 * time.Second,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     100 * time.Millisecond,
		}
		logger := zap.NewNop()
		resolver := infra.NewListResolver(local, "origin", nil)
		syncer := infra.NewPullSyncer(local, "origin", "master", nil)
		loop := watch.New(cfg, spec, "master", resolver, syncer, infra.NewExecSupervisor(logger), logger)

		ctx, cancel := context.WithCancel(context.Background())
		loopCancel = cancel
		loopDone = make(chan struct{})
		go func() {
			defer GinkgoRecover()
			loopErr = loop.Run(ctx)
			close(loopDone)
		}()
	}

	BeforeEach(func() {
		var err error
		upstreamDir, err = os.MkdirTemp("", "pullrun-upstream-*")
		Expect(err).NotTo(HaveOccurred())
		upstream, err = git.PlainInit(upstreamDir, false)
		Expect(err).NotTo(HaveOccurred())
		commitUpstream("README.md", "hello\n")

		cloneDir, err = os.MkdirTemp("", "pullrun-clone-*")
		Expect(err).NotTo(HaveOccurred())
		// The in-process loader serves the git directory itself.
		_, err = git.PlainClone(cloneDir, false, &git.CloneOptions{
			URL: filepath.Join(upstreamDir, ".git"),
		})
		Expect(err).NotTo(HaveOccurred())
		local, err = infra.OpenRepo(cloneDir)
		Expect(err).NotTo(HaveOccurred())

		logFile = filepath.Join(upstreamDir, "runs.log")
		loopErr = nil
		loopCancel = nil
	})

	AfterEach(func() {
		if loopCancel != nil {
			loopCancel()
			Eventually(loopDone, "10s").Should(BeClosed())
		}
		os.RemoveAll(cloneDir)
		os.RemoveAll(upstreamDir)
	})

	Context("when the upstream branch is quiet", func() {
		It("runs the command exactly once", func() {
			startLoop(shellSpec("echo run >> " + logFile))

			Eventually(countRuns, "10s").Should(Equal(1))
			Consistently(countRuns, "300ms").Should(Equal(1))
		})
	})

	Context("when the upstream branch advances", func() {
		It("pulls the new commit and restarts the command", func() {
			startLoop(shellSpec("echo run >> " + logFile))
			Eventually(countRuns, "10s").Should(Equal(1))

			commitUpstream("feature.txt", "v2\n")

			Eventually(countRuns, "10s").Should(Equal(2))
			Eventually(func() error {
				_, err := os.Stat(filepath.Join(cloneDir, "feature.txt"))
				return err
			}, "10s").Should(Succeed())
		})
	})

	Context("when tracked files are edited locally", func() {
		It("stops without clobbering the edits", func() {
			edited := filepath.Join(cloneDir, "README.md")
			Expect(os.WriteFile(edited, []byte("local edit\n"), 0644)).To(Succeed())

			startLoop(shellSpec("echo run >> " + logFile))

			Eventually(loopDone, "10s").Should(BeClosed())
			Expect(loopErr).To(MatchError(domain.ErrDirtyWorkingTree))

			data, err := os.ReadFile(edited)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("local edit\n"))
		})
	})

	Context("when the loop is cancelled", func() {
		It("terminates a long-running command and returns", func() {
			startLoop(shellSpec("echo run >> " + logFile + "; sleep 30"))
			Eventually(countRuns, "10s").Should(Equal(1))

			loopCancel()

			Eventually(loopDone, "10s").Should(BeClosed())
			Expect(loopErr).To(MatchError(context.Canceled))
		})
	})
})
