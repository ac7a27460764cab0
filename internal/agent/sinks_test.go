package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/ocr-agent/internal/scanning"
	"github.com/zombor/ocr-agent/internal/sink"
)

var _ = Describe("Sink handlers", func() {
	var (
		ctx   context.Context
		store *sink.BoltStore
		clock *fixedTimeSource
	)

	BeforeEach(func() {
		ctx = context.Background()
		clock = &fixedTimeSource{t: testTime}

		var err error
		store, err = sink.NewBoltStore(filepath.Join(GinkgoT().TempDir(), "agent.db"))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		store.Close()
	})

	Describe("ExpenseHandler", func() {
		var handler *ExpenseHandler

		BeforeEach(func() {
			handler = NewExpenseHandler(store, time.Second, clock)
		})

		It("should write the header once and one row per call", func() {
			receipt := scanning.Receipt{
				Vendor:        "Café Olé",
				Date:          "2024-02-01",
				Items:         []scanning.Item{{Name: "Crème & pain", Price: "3,50 €"}},
				Total:         "3,50 €",
				PaymentMethod: "cash",
			}

			_, err := handler.Handle(ctx, receipt, "raw one")
			Expect(err).NotTo(HaveOccurred())
			result, err := handler.Handle(ctx, receipt, "raw two")
			Expect(err).NotTo(HaveOccurred())

			Expect(result.Action).To(Equal(ActionExpensed))
			Expect(result.Payload).To(Equal(ExpensePayload{
				Vendor:        "Café Olé",
				Date:          "2024-02-01",
				Items:         receipt.Items,
				Total:         "3,50 €",
				PaymentMethod: "cash",
			}))

			_, err = store.EnsureTable(ctx, "Expenses", []string{"Timestamp", "Vendor", "Date", "Items", "Total", "Payment Method", "Raw Text"})
			Expect(err).NotTo(HaveOccurred())
			_, err = store.EnsureTable(ctx, "Expenses", []string{"Timestamp", "Vendor", "Total"})
			Expect(err).To(MatchError(sink.ErrSchemaMismatch))

			rows, err := store.Rows("Expenses")
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(2))
			Expect(rows[0][3]).To(Equal(`[{"name":"Crème & pain","price":"3,50 €"}]`))
			Expect(rows[1][6]).To(Equal("raw two"))
		})

		It("should fail with a sink write error when the header differs", func() {
			_, err := store.EnsureTable(ctx, "Expenses", []string{"Timestamp", "Amount"})
			Expect(err).NotTo(HaveOccurred())

			_, err = handler.Handle(ctx, scanning.Receipt{}, "raw")
			Expect(err).To(MatchError(sink.ErrWrite))
			Expect(err).To(MatchError(sink.ErrSchemaMismatch))
		})
	})

	Describe("LogHandler", func() {
		var handler *LogHandler

		BeforeEach(func() {
			handler = NewLogHandler(store, time.Second, clock)
		})

		It("should keep a supplied summary", func() {
			result, err := handler.Handle(ctx, scanning.Other{Summary: "A bank letter"}, "Dear customer", ProvenanceCamera)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Payload).To(Equal(LogPayload{Source: ProvenanceCamera, Summary: "A bank letter"}))

			rows, err := store.Rows("Logs")
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(Equal([][]string{{"2024-03-05 14:07:09", "camera", "Dear customer", "A bank letter"}}))
		})

		It("should derive a short summary from short raw text", func() {
			result, err := handler.Handle(ctx, scanning.Other{SummaryMissing: true}, "Shopping list: eggs", ProvenanceFolder)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Payload.(LogPayload).Summary).To(Equal("Shopping list: eggs"))
		})

		It("should truncate long raw text and mark it", func() {
			raw := strings.Repeat("x", 150)
			result, err := handler.Handle(ctx, scanning.Other{SummaryMissing: true}, raw, ProvenanceFolder)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Payload.(LogPayload).Summary).To(Equal(strings.Repeat("x", 100) + "..."))
		})

		It("should keep an empty summary the model sent", func() {
			result, err := handler.Handle(ctx, scanning.Other{Summary: ""}, "Shopping list: eggs", ProvenanceFolder)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Payload.(LogPayload).Summary).To(BeEmpty())

			rows, err := store.Rows("Logs")
			Expect(err).NotTo(HaveOccurred())
			Expect(rows[0][3]).To(BeEmpty())
		})

		It("should not mark raw text of exactly the limit", func() {
			raw := strings.Repeat("y", 100)
			result, err := handler.Handle(ctx, scanning.Other{SummaryMissing: true}, raw, ProvenanceFolder)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Payload.(LogPayload).Summary).To(Equal(raw))
		})
	})

	Describe("Router", func() {
		var router *Router

		BeforeEach(func() {
			router = NewRouter(NewExpenseHandler(store, time.Second, clock), NewLogHandler(store, time.Second, clock))
		})

		It("should send receipts to Expenses and everything else to Logs", func() {
			expensed, err := router.Route(ctx, scanning.Receipt{Vendor: "Acme"}, "raw", ProvenanceCLI)
			Expect(err).NotTo(HaveOccurred())
			Expect(expensed.Tab).To(Equal("Expenses"))

			logged, err := router.Route(ctx, scanning.Other{Summary: "note"}, "raw", ProvenanceCLI)
			Expect(err).NotTo(HaveOccurred())
			Expect(logged.Tab).To(Equal("Logs"))
		})
	})
})

var _ = Describe("RoutedResult JSON", func() {
	It("should render payload fields next to the common ones", func() {
		result := RoutedResult{
			Action:         ActionLogged,
			Tab:            "Logs",
			Timestamp:      "2024-03-05 14:07:09",
			Payload:        LogPayload{Source: ProvenanceFolder, Summary: "note"},
			RawText:        "note text",
			Classification: scanning.Other{Summary: "note"},
		}

		data, err := json.Marshal(result)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(MatchJSON(`{
			"action": "logged",
			"tab": "Logs",
			"timestamp": "2024-03-05 14:07:09",
			"source": "folder",
			"summary": "note",
			"raw_text": "note text",
			"classification": {"classification": "OTHER", "summary": "note"}
		}`))
	})

	It("should render an empty item list for receipts without items", func() {
		result := RoutedResult{
			Action:         ActionExpensed,
			Tab:            "Expenses",
			Payload:        ExpensePayload{Vendor: "Acme"},
			Classification: scanning.Receipt{Vendor: "Acme"},
		}

		data, err := json.Marshal(result)
		Expect(err).NotTo(HaveOccurred())
		var decoded map[string]interface{}
		Expect(json.Unmarshal(data, &decoded)).To(Succeed())
		Expect(decoded["items"]).To(Equal([]interface{}{}))
		Expect(decoded["vendor"]).To(Equal("Acme"))
	})
})
