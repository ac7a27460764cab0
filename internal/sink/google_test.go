package sink

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"
)

const (
	spreadsheetPath = "/v4/spreadsheets/sheet-id"
	logsAppendPath  = "/v4/spreadsheets/sheet-id/values/'Logs'!A1:append"
	logsHeaderPath  = "/v4/spreadsheets/sheet-id/values/'Logs'!1:1"
	logsUpdatePath  = "/v4/spreadsheets/sheet-id/values/'Logs'!A1"
)

func decodeBody(r *http.Request, into interface{}) {
	data, err := io.ReadAll(r.Body)
	Expect(err).NotTo(HaveOccurred())
	Expect(json.Unmarshal(data, into)).To(Succeed())
}

func sheetList(titles ...string) map[string]interface{} {
	sheets := make([]map[string]interface{}, 0, len(titles))
	for _, title := range titles {
		sheets = append(sheets, map[string]interface{}{"properties": map[string]interface{}{"title": title}})
	}
	return map[string]interface{}{"spreadsheetId": "sheet-id", "sheets": sheets}
}

func firstRow(values ...string) map[string]interface{} {
	out := map[string]interface{}{"range": "'Logs'!A1:Z1", "majorDimension": "ROWS"}
	if len(values) > 0 {
		out["values"] = [][]string{values}
	}
	return out
}

func backendError() http.HandlerFunc {
	return ghttp.RespondWithJSONEncoded(http.StatusServiceUnavailable, map[string]interface{}{
		"error": map[string]interface{}{"code": 503, "message": "The service is currently unavailable.", "status": "UNAVAILABLE"},
	})
}

func headerCells(req gsheets.BatchUpdateSpreadsheetRequest) []string {
	var out []string
	for _, cell := range req.Requests[1].UpdateCells.Rows[0].Values {
		out = append(out, *cell.UserEnteredValue.StringValue)
	}
	return out
}

var _ = Describe("GoogleStore", func() {
	var (
		ctx    context.Context
		server *ghttp.Server
		store  *GoogleStore
		header []string
	)

	BeforeEach(func() {
		ctx = context.Background()
		server = ghttp.NewServer()
		header = []string{"Timestamp", "Source", "Raw Text", "Summary"}

		var err error
		store, err = NewGoogleStore(ctx, "sheet-id", nil,
			option.WithEndpoint(server.URL()+"/"),
			option.WithHTTPClient(http.DefaultClient),
		)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	When("the worksheet is missing", func() {
		var added gsheets.BatchUpdateSpreadsheetRequest

		BeforeEach(func() {
			server.AppendHandlers(
				ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodGet, spreadsheetPath),
					ghttp.RespondWithJSONEncoded(http.StatusOK, sheetList("Expenses")),
				),
				ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodPost, spreadsheetPath+":batchUpdate"),
					func(w http.ResponseWriter, r *http.Request) { decodeBody(r, &added) },
					ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]interface{}{"spreadsheetId": "sheet-id"}),
				),
			)
		})

		It("should add the worksheet and its header row in one batch", func() {
			table, err := store.EnsureTable(ctx, "Logs", header)
			Expect(err).NotTo(HaveOccurred())
			Expect(table.Name).To(Equal("Logs"))

			Expect(added.Requests).To(HaveLen(2))
			props := added.Requests[0].AddSheet.Properties
			Expect(props.Title).To(Equal("Logs"))
			Expect(props.SheetId).NotTo(BeZero())
			Expect(props.GridProperties.RowCount).To(BeNumerically("==", 1000))
			Expect(props.GridProperties.ColumnCount).To(BeNumerically("==", 4))

			update := added.Requests[1].UpdateCells
			Expect(update.Start.SheetId).To(Equal(props.SheetId))
			Expect(update.Start.RowIndex).To(BeZero())
			Expect(update.Fields).To(Equal("userEnteredValue"))
			Expect(headerCells(added)).To(Equal(header))
		})

		It("should not contact the service again once the table is known", func() {
			_, err := store.EnsureTable(ctx, "Logs", header)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.EnsureTable(ctx, "Logs", header)
			Expect(err).NotTo(HaveOccurred())
			Expect(server.ReceivedRequests()).To(HaveLen(2))
		})
	})

	When("creating the worksheet fails", func() {
		var added gsheets.BatchUpdateSpreadsheetRequest

		BeforeEach(func() {
			server.AppendHandlers(
				ghttp.RespondWithJSONEncoded(http.StatusOK, sheetList()),
				backendError(),
				ghttp.RespondWithJSONEncoded(http.StatusOK, sheetList()),
				ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodPost, spreadsheetPath+":batchUpdate"),
					func(w http.ResponseWriter, r *http.Request) { decodeBody(r, &added) },
					ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]interface{}{"spreadsheetId": "sheet-id"}),
				),
			)
		})

		It("should report the failure and send the header again on the next attempt", func() {
			_, err := store.EnsureTable(ctx, "Logs", header)
			Expect(err).To(MatchError(ContainSubstring("creating worksheet Logs")))

			_, err = store.EnsureTable(ctx, "Logs", header)
			Expect(err).NotTo(HaveOccurred())
			Expect(headerCells(added)).To(Equal(header))
			Expect(server.ReceivedRequests()).To(HaveLen(4))
		})
	})

	When("the worksheet already exists", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, sheetList("Logs")))
		})

		When("its first row holds the header", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodGet, logsHeaderPath),
					ghttp.RespondWithJSONEncoded(http.StatusOK, firstRow(header...)),
				))
			})

			It("should leave it untouched", func() {
				_, err := store.EnsureTable(ctx, "Logs", header)
				Expect(err).NotTo(HaveOccurred())
				Expect(server.ReceivedRequests()).To(HaveLen(2))
			})
		})

		When("its first row is empty", func() {
			var written gsheets.ValueRange

			BeforeEach(func() {
				server.AppendHandlers(
					ghttp.RespondWithJSONEncoded(http.StatusOK, firstRow()),
					ghttp.CombineHandlers(
						ghttp.VerifyRequest(http.MethodPut, logsUpdatePath),
						func(w http.ResponseWriter, r *http.Request) { decodeBody(r, &written) },
						ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]interface{}{}),
					),
				)
			})

			It("should write the header before reporting success", func() {
				_, err := store.EnsureTable(ctx, "Logs", header)
				Expect(err).NotTo(HaveOccurred())
				Expect(written.Values).To(HaveLen(1))
				Expect(written.Values[0]).To(ConsistOf("Timestamp", "Source", "Raw Text", "Summary"))
			})
		})

		When("writing the missing header fails", func() {
			BeforeEach(func() {
				server.AppendHandlers(
					ghttp.RespondWithJSONEncoded(http.StatusOK, firstRow()),
					backendError(),
				)
			})

			It("should not report the table as ready", func() {
				_, err := store.EnsureTable(ctx, "Logs", header)
				Expect(err).To(MatchError(ContainSubstring("writing header of Logs")))
			})
		})

		When("its first row holds a different header", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, firstRow("Date", "Note")))
			})

			It("should fail with a schema mismatch", func() {
				_, err := store.EnsureTable(ctx, "Logs", header)
				Expect(err).To(MatchError(ErrSchemaMismatch))
			})
		})
	})

	When("another writer creates the worksheet first", func() {
		BeforeEach(func() {
			server.AppendHandlers(
				ghttp.RespondWithJSONEncoded(http.StatusOK, sheetList()),
				ghttp.RespondWithJSONEncoded(http.StatusBadRequest, map[string]interface{}{
					"error": map[string]interface{}{
						"code":    400,
						"message": "Invalid requests[0].addSheet: A sheet with the name \"Logs\" already exists. Please enter another name.",
						"status":  "INVALID_ARGUMENT",
					},
				}),
				ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodGet, logsHeaderPath),
					ghttp.RespondWithJSONEncoded(http.StatusOK, firstRow(header...)),
				),
			)
		})

		It("should treat the conflict as success once the header checks out", func() {
			_, err := store.EnsureTable(ctx, "Logs", header)
			Expect(err).NotTo(HaveOccurred())
			Expect(server.ReceivedRequests()).To(HaveLen(3))
		})
	})

	When("the spreadsheet cannot be read", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusForbidden, map[string]interface{}{
				"error": map[string]interface{}{"code": 403, "message": "The caller does not have permission"},
			}))
		})

		It("should fail", func() {
			_, err := store.EnsureTable(ctx, "Logs", header)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("permission"))
		})
	})

	When("many runs ensure the same table at once", func() {
		var (
			mu       sync.Mutex
			created  map[string]bool
			addCalls int
		)

		BeforeEach(func() {
			created = map[string]bool{}
			addCalls = 0

			server.RouteToHandler(http.MethodGet, spreadsheetPath, func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				defer mu.Unlock()
				titles := []string{}
				for title := range created {
					titles = append(titles, title)
				}
				ghttp.RespondWithJSONEncoded(http.StatusOK, sheetList(titles...))(w, r)
			})
			server.RouteToHandler(http.MethodPost, spreadsheetPath+":batchUpdate", func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				defer mu.Unlock()
				addCalls++
				created["Logs"] = true
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]interface{}{})(w, r)
			})
			server.RouteToHandler(http.MethodGet, logsHeaderPath, ghttp.RespondWithJSONEncoded(http.StatusOK, firstRow(header...)))
		})

		It("should create the worksheet exactly once", func() {
			var wg sync.WaitGroup
			errs := make([]error, 10)
			for i := range errs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					defer GinkgoRecover()
					_, errs[i] = store.EnsureTable(ctx, "Logs", header)
				}(i)
			}
			wg.Wait()

			for _, err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}
			mu.Lock()
			defer mu.Unlock()
			Expect(addCalls).To(Equal(1))
		})
	})

	When("the first caller gives up while the worksheet is being created", func() {
		var release chan struct{}

		BeforeEach(func() {
			release = make(chan struct{})
			server.AppendHandlers(
				func(w http.ResponseWriter, r *http.Request) {
					<-release
					ghttp.RespondWithJSONEncoded(http.StatusOK, sheetList())(w, r)
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]interface{}{"spreadsheetId": "sheet-id"}),
			)
		})

		It("should finish the creation for the callers still waiting", func() {
			firstCtx, cancelFirst := context.WithCancel(ctx)
			defer cancelFirst()

			firstErr := make(chan error, 1)
			go func() {
				_, err := store.EnsureTable(firstCtx, "Logs", header)
				firstErr <- err
			}()
			Eventually(server.ReceivedRequests).Should(HaveLen(1))

			secondErr := make(chan error, 1)
			go func() {
				_, err := store.EnsureTable(ctx, "Logs", header)
				secondErr <- err
			}()
			// let the second caller join the request in flight
			time.Sleep(50 * time.Millisecond)

			cancelFirst()
			Eventually(firstErr).Should(Receive(MatchError(context.Canceled)))

			close(release)
			Eventually(secondErr).Should(Receive(BeNil()))
			Expect(server.ReceivedRequests()).To(HaveLen(2))
		})
	})

	Describe("AppendRow", func() {
		var appended gsheets.ValueRange

		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, logsAppendPath),
				func(w http.ResponseWriter, r *http.Request) {
					Expect(r.URL.Query().Get("insertDataOption")).To(Equal("INSERT_ROWS"))
					decodeBody(r, &appended)
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]interface{}{}),
			))
		})

		It("should append one row of values", func() {
			err := store.AppendRow(ctx, Table{Name: "Logs", Header: header}, []string{"t", "folder", "text", "sum"})
			Expect(err).NotTo(HaveOccurred())
			Expect(appended.Values).To(HaveLen(1))
			Expect(appended.Values[0]).To(ConsistOf("t", "folder", "text", "sum"))
		})
	})
})

var _ = Describe("sheetRange", func() {
	It("should quote names and escape apostrophes", func() {
		Expect(sheetRange("Logs")).To(Equal("'Logs'!A1"))
		Expect(sheetRange("Bob's")).To(Equal("'Bob''s'!A1"))
	})
})
