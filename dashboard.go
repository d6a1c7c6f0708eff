package main

import (
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Server exposes queue and execution statistics over HTTP.
type Server struct {
	port    int
	store   *Store
	queue   *Queue
	simType string
}

func NewServer(port int, store *Store, queue *Queue, simType string) *Server {
	return &Server{port: port, store: store, queue: queue, simType: simType}
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/", s.handleDashboard)
	router.GET("/api/stats", s.handleStats)
	router.GET("/api/jobs", s.handleJobs)
	router.GET("/api/jobs/:state", s.handleJobList)
	router.GET("/api/executions", s.handleExecutions)
	return router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	log.Printf("Dashboard server starting on http://localhost%s", addr)
	return s.Router().Run(addr)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.store.GetExecutionStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleJobs(c *gin.Context) {
	counts, err := s.queue.Counts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	result := make(map[string]int, len(counts))
	for state, n := range counts {
		result[string(state)] = n
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleJobList(c *gin.Context) {
	state, ok := ParseJobState(c.Param("state"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state " + c.Param("state")})
		return
	}
	jobs, err := s.queue.List(c.Request.Context(), state)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if jobs == nil {
		jobs = []*Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) handleExecutions(c *gin.Context) {
	limit := 20
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}
	executions, err := s.store.GetRecentExecutions(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if executions == nil {
		executions = []Execution{}
	}
	c.JSON(http.StatusOK, executions)
}

func (s *Server) handleDashboard(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, dashboardPage, s.simType, s.simType)
}

const dashboardPage = `<!DOCTYPE html>
<html>
<head>
	<title>swmmq: %s</title>
	<style>
	body { font-family: 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 20px; background: #0d1117; color: #e6edf3; }
	.container { max-width: 1200px; margin: 0 auto; background: #161b22; padding: 30px; border-radius: 10px; }
	h1, h2 { color: #58a6ff; }
	.stats-grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(180px, 1fr)); gap: 16px; margin: 24px 0; }
	.stat-card { background: #21262d; padding: 14px 18px; border-radius: 8px; border: 1px solid #30363d; }
	.stat-label { font-size: 13px; color: #8b949e; }
	.stat-value { font-size: 26px; font-weight: bold; }
	table { width: 100%%; border-collapse: collapse; }
	th, td { padding: 8px 10px; border-bottom: 1px solid #30363d; text-align: left; }
	.success { color: #2ecc71; }
	.failure { color: #e74c3c; }
	.timeout { color: #f39c12; }
	</style>
</head>
<body>
	<div class="container">
		<h1>SWMM batch: %s</h1>

		<div class="stats-grid">
			<div class="stat-card"><div class="stat-label">Attempted</div><div class="stat-value" id="attempted">-</div></div>
			<div class="stat-card"><div class="stat-label">Simulated</div><div class="stat-value success" id="simulated">-</div></div>
			<div class="stat-card"><div class="stat-label">Simulation failed</div><div class="stat-value failure" id="sim-failed">-</div></div>
			<div class="stat-card"><div class="stat-label">Relocation failed</div><div class="stat-value failure" id="reloc-failed">-</div></div>
			<div class="stat-card"><div class="stat-label">Timeouts</div><div class="stat-value timeout" id="timeouts">-</div></div>
			<div class="stat-card"><div class="stat-label">Avg duration</div><div class="stat-value" id="avg-duration">-</div></div>
		</div>

		<h2>Queue</h2>
		<table><thead><tr><th>State</th><th>Jobs</th></tr></thead><tbody id="queue-body"></tbody></table>

		<h2>Recent executions</h2>
		<table>
			<thead><tr><th>Input</th><th>Worker</th><th>Started</th><th>Duration</th><th>Status</th></tr></thead>
			<tbody id="executions-body"></tbody>
		</table>
	</div>

	<script>
		function set(id, v) { document.getElementById(id).textContent = v; }

		function updateStats() {
			fetch('/api/stats').then(r => r.json()).then(d => {
				set('attempted', d.total_attempted || 0);
				set('simulated', d.total_simulated || 0);
				set('sim-failed', d.total_simulation_failed || 0);
				set('reloc-failed', d.total_relocation_failed || 0);
				set('timeouts', d.total_timeout || 0);
				set('avg-duration', ((d.avg_duration_ms || 0) / 1000).toFixed(1) + 's');
			});
		}

		function cell(row, text, cls) {
			const td = document.createElement('td');
			if (cls) {
				const span = document.createElement('span');
				span.className = cls;
				span.textContent = text;
				td.appendChild(span);
			} else {
				td.textContent = text;
			}
			row.appendChild(td);
		}

		function updateQueue() {
			fetch('/api/jobs').then(r => r.json()).then(d => {
				const tbody = document.getElementById('queue-body');
				tbody.replaceChildren();
				['pending', 'leased', 'completed'].forEach(state => {
					const row = document.createElement('tr');
					cell(row, state);
					cell(row, d[state] || 0);
					tbody.appendChild(row);
				});
			});
		}

		function updateExecutions() {
			fetch('/api/executions').then(r => r.json()).then(data => {
				const tbody = document.getElementById('executions-body');
				tbody.replaceChildren();
				data.forEach(e => {
					const row = document.createElement('tr');
					cell(row, e.path);
					cell(row, e.worker_id);
					cell(row, new Date(e.started_at).toLocaleString());
					cell(row, e.duration_ms + 'ms');
					if (e.success) {
						cell(row, 'Success', 'success');
					} else if (e.timeout) {
						cell(row, 'Timeout', 'timeout');
					} else if (e.relocation_failed) {
						cell(row, 'Relocation failed', 'failure');
					} else {
						cell(row, 'Failed', 'failure');
					}
					tbody.appendChild(row);
				});
			});
		}

		function updateAll() { updateStats(); updateQueue(); updateExecutions(); }
		updateAll();
		setInterval(updateAll, 5000);
	</script>
</body>
</html>`
