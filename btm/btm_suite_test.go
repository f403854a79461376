package btm

import (
	"testing"

	"github.com/ridhitbhura/celerity-runtime/command"
	"github.com/ridhitbhura/celerity-runtime/internal/ids"
	"github.com/ridhitbhura/celerity-runtime/msgtransport"
	"github.com/ridhitbhura/celerity-runtime/region"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestBTM(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "BTM Suite")
}

func suiteFrameRegion(lo, hi int64) region.Region {
	return region.New(1, region.NewBox(1, region.Point{lo}, region.Point{hi - lo}))
}

var _ = Describe("BufferTransferManager", func() {
	var (
		fabric   *msgtransport.Fabric
		sender   *Manager
		receiver *Manager
		commits  [][]Frame
	)

	BeforeEach(func() {
		fabric = msgtransport.NewFabric(2)
		commits = nil
		commit := func(_ ids.BufferID, _ ids.TransferID, frames []Frame) error {
			commits = append(commits, frames)
			return nil
		}
		sender = NewManager(fabric.Endpoint(0), 2, 8, nil)
		receiver = NewManager(fabric.Endpoint(1), 2, 8, commit)
	})

	Describe("out-of-order arrival", func() {
		It("defers completion until await_push installs the expected region", func() {
			pushCmd := &command.Command{
				Kind: command.Push, Node: 0, TargetNode: 1,
				Buffer: 1, Transfer: 42, SourceRegion: suiteFrameRegion(4, 8),
			}
			_, err := sender.Push(pushCmd, make([]byte, 4*8))
			Expect(err).NotTo(HaveOccurred())

			// The frame is already in flight on the wire before any
			// await_push has been posted on the receiver.
			Expect(receiver.Poll()).To(Succeed())
			Expect(commits).To(BeEmpty())

			awaitCmd := &command.Command{
				Kind: command.AwaitPush, Node: 1,
				Buffer: 1, Transfer: 42, ExpectedRegion: suiteFrameRegion(4, 8),
			}
			handle, err := receiver.AwaitPush(awaitCmd)
			Expect(err).NotTo(HaveOccurred())
			Expect(handle.Complete()).To(BeTrue())
			Expect(commits).To(HaveLen(1))
			Expect(commits[0]).To(HaveLen(1))
			Expect(commits[0][0].Payload).To(HaveLen(4 * 8))
		})

		It("completes on arrival when await_push is posted first", func() {
			awaitCmd := &command.Command{
				Kind: command.AwaitPush, Node: 1,
				Buffer: 1, Transfer: 43, ExpectedRegion: suiteFrameRegion(0, 2),
			}
			handle, err := receiver.AwaitPush(awaitCmd)
			Expect(err).NotTo(HaveOccurred())
			Expect(handle.Complete()).To(BeFalse())

			pushCmd := &command.Command{
				Kind: command.Push, Node: 0, TargetNode: 1,
				Buffer: 1, Transfer: 43, SourceRegion: suiteFrameRegion(0, 2),
			}
			_, err = sender.Push(pushCmd, make([]byte, 2*8))
			Expect(err).NotTo(HaveOccurred())

			Expect(receiver.Poll()).To(Succeed())
			Expect(handle.Complete()).To(BeTrue())
			Expect(commits).To(HaveLen(1))
		})
	})
})
