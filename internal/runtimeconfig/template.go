package runtimeconfig

// Template is written by `agentrelay config init`.
const Template = `# agentrelay server configuration.

# Where the API listens: unix:///path, http://host:port, https://host:port
# or tsnet://hostname:port. Defaults to a socket in $XDG_RUNTIME_DIR.
# listen: http://127.0.0.1:7777

# Session database. Defaults to $XDG_DATA_HOME/agentrelay/sessions.db.
# database: /var/lib/agentrelay/sessions.db

log_level: info

sandbox:
  # docker or process
  driver: docker
  network: bridge
  stop_grace: 10s
  provision_retries: 1

sessions:
  max_concurrent: 3
  # scope_limits:
  #   ws-1: 5
  output_cap: 1MiB
  default_time_budget: 15m
  max_time_budget: 2h
  stream_grace: 30s
  recover_on_start: true

profiles:
  - name: claude
    version: "1"
    image: ghcr.io/example/agent-runner:latest
    memory: 2GiB
    cpus: 1
    cli_tool: claude
    model_id: claude-sonnet
    # Sandbox variable -> provider from tokens below.
    credentials:
      ANTHROPIC_API_KEY: anthropic
      GITHUB_TOKEN: github

# Credential providers, mapped to the server environment variable holding
# each credential.
tokens:
  anthropic: ANTHROPIC_API_KEY
  github: GITHUB_TOKEN

overlays: {}
# overlays_dir: /etc/agentrelay/overlays

work_items:
  allow_unregistered: true
  # base_url: https://tracker.example.com/api
  # token_env: TRACKER_TOKEN

# Bearer tokens. With no entries every caller is anonymous and may act in
# every scope.
access: []
#  - principal: ci
#    token_env: AGENTRELAY_CI_TOKEN
#    scopes: [ws-1]

result_sink:
  log: true
  # webhook_url: https://hooks.example.com/agentrelay
`
