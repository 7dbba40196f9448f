package constants

const USER_AGENT = "anitrack/0.1.0 (+https://github.com/anitrack/anitrack)"
